// Package sqlgen compiles expression trees to parameterized SQL.
//
// Every literal in the source tree is replaced by a placeholder and appended
// to the bound parameter list; no value is ever interpolated into SQL text.
// Joins needed to reach attributes of related entities are derived from the
// relationship graph and deduplicated by canonical alias.
//
// Compiled SELECT statements are cached in a bounded LRU keyed by the
// expression tree's structural signature plus the schema version, so repeated
// calls with different literal values reuse the same SQL and a schema change
// never reuses stale statements.
package sqlgen

import (
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/loamdb/loam/internal/expr"
	"github.com/loamdb/loam/internal/schema"
)

// DefaultCacheSize bounds the compiled-statement cache.
const DefaultCacheSize = 512

// Compiler translates expression trees into SQL for one schema.
// It is safe for concurrent use; sessions share a single instance.
type Compiler struct {
	schema *schema.Schema
	cache  *lru.Cache[string, string]
}

// NewCompiler creates a Compiler with a bounded statement cache.
// cacheSize <= 0 selects DefaultCacheSize.
func NewCompiler(s *schema.Schema, cacheSize int) *Compiler {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		// lru.New only fails for non-positive sizes, which we normalized above.
		panic(err)
	}
	return &Compiler{schema: s, cache: cache}
}

// Purge drops every cached statement. Called when the schema is replaced.
func (c *Compiler) Purge() {
	c.cache.Purge()
}

// CacheLen reports the number of cached statements.
func (c *Compiler) CacheLen() int {
	return c.cache.Len()
}

// SelectSpec describes one SELECT compilation request.
//
// Columns lists the attributes to fetch from the root type; the root's
// primary key columns are always selected first regardless of Columns.
// Limit and Offset are ignored when negative.
type SelectSpec struct {
	Root    *schema.EntityType
	Columns []string
	Filter  expr.Expr
	Orders  []expr.OrderKey
	Limit   int
	Offset  int
}

// Select compiles a SELECT statement and binds its parameters.
//
// The parameter list order is: filter literals in walk order, ordering
// literals in walk order, then LIMIT and OFFSET when present.
func (c *Compiler) Select(spec SelectSpec) (string, []any, error) {
	key := c.selectKey(spec)
	if sql, ok := c.cache.Get(key); ok {
		params, err := c.selectParams(spec)
		if err != nil {
			return "", nil, err
		}
		return sql, params, nil
	}

	sql, params, err := c.compileSelect(spec)
	if err != nil {
		return "", nil, err
	}
	c.cache.Add(key, sql)
	return sql, params, nil
}

// selectKey builds the cache key: structural signature + schema version.
func (c *Compiler) selectKey(spec SelectSpec) string {
	var b strings.Builder
	b.WriteString(c.schema.Version())
	b.WriteByte('|')
	b.WriteString(spec.Root.Name)
	b.WriteByte('|')
	b.WriteString(strings.Join(spec.Columns, ","))
	b.WriteByte('|')
	if spec.Filter != nil {
		b.WriteString(expr.Signature(spec.Filter))
	}
	b.WriteByte('|')
	b.WriteString(expr.OrderSignature(spec.Orders))
	b.WriteByte('|')
	if spec.Limit >= 0 {
		b.WriteString("limit")
	}
	if spec.Offset >= 0 {
		b.WriteString("offset")
	}
	return b.String()
}

// selectParams re-binds parameters for a cache hit by walking the tree in
// the same order the compiler emits placeholders.
func (c *Compiler) selectParams(spec SelectSpec) ([]any, error) {
	var params []any
	if spec.Filter != nil {
		params = collectLiterals(params, spec.Filter)
	}
	for _, k := range spec.Orders {
		params = collectLiterals(params, k.Expr)
	}
	if spec.Limit >= 0 {
		params = append(params, spec.Limit)
	}
	if spec.Offset >= 0 {
		params = append(params, spec.Offset)
	}
	return params, nil
}

func collectLiterals(params []any, e expr.Expr) []any {
	switch node := e.(type) {
	case expr.Lit:
		params = append(params, node.Value)
	case expr.Binary:
		params = collectLiterals(params, node.Left)
		params = collectLiterals(params, node.Right)
	case expr.Logical:
		for _, op := range node.Operands {
			params = collectLiterals(params, op)
		}
	case expr.Not:
		params = collectLiterals(params, node.Operand)
	}
	return params
}

// SelectTypes lists the entity types a SELECT touches: the root plus every
// type reached through relationship paths and aggregates. The query engine
// uses this for type-scoped result-cache invalidation.
func (c *Compiler) SelectTypes(spec SelectSpec) []string {
	seen := map[string]bool{spec.Root.Name: true}
	order := []string{spec.Root.Name}

	addPath := func(root *schema.EntityType, path []string) {
		et := root
		for _, step := range path {
			rel, ok := et.Rel(step)
			if !ok {
				return
			}
			next, ok := c.schema.Type(rel.Target)
			if !ok {
				return
			}
			if !seen[next.Name] {
				seen[next.Name] = true
				order = append(order, next.Name)
			}
			et = next
		}
	}

	var visit func(e expr.Expr)
	visit = func(e expr.Expr) {
		switch node := e.(type) {
		case expr.Attr:
			addPath(node.Root, node.Path)
		case expr.Binary:
			visit(node.Left)
			visit(node.Right)
		case expr.Logical:
			for _, op := range node.Operands {
				visit(op)
			}
		case expr.Not:
			visit(node.Operand)
		case expr.Aggregate:
			addPath(node.Root, []string{node.Rel})
		}
	}
	if spec.Filter != nil {
		visit(spec.Filter)
	}
	for _, k := range spec.Orders {
		visit(k.Expr)
	}
	return order
}

func fmtErr(format string, args ...any) error {
	return fmt.Errorf("sqlgen: "+format, args...)
}
