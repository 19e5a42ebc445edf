package cli

import (
	_ "embed"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/loamdb/loam/internal/schema"
)

//go:embed schemadef.cue
var schemaDefCUE string

// AttributeDef is one attribute in a YAML schema definition.
type AttributeDef struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"`
	Deferred bool   `yaml:"deferred"`
}

// RelationshipDef is one relationship in a YAML schema definition.
type RelationshipDef struct {
	Name     string   `yaml:"name"`
	Target   string   `yaml:"target"`
	ToMany   bool     `yaml:"to_many"`
	Required bool     `yaml:"required"`
	Columns  []string `yaml:"columns"`
	Reverse  string   `yaml:"reverse"`
	Cascade  *bool    `yaml:"cascade"`
}

// TypeDef is one entity type in a YAML schema definition.
type TypeDef struct {
	Name  string            `yaml:"name"`
	Table string            `yaml:"table"`
	Attrs []AttributeDef    `yaml:"attrs"`
	PK    []string          `yaml:"pk"`
	Rels  []RelationshipDef `yaml:"rels"`
}

// SchemaDef is the document form of a schema definition file.
type SchemaDef struct {
	Types []TypeDef `yaml:"types"`
}

// LoadSchemaDef reads a YAML schema definition, checks it against the
// embedded structural schema, and builds the engine schema, which applies
// the link-pairing and foreign-key rules.
func LoadSchemaDef(path string) (*schema.Schema, *LoadError) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("reading %s: %v", path, err)}
	}

	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, &LoadError{Code: ErrCodeParse, Message: fmt.Sprintf("parsing %s: %v", path, err)}
	}
	if err := validateAgainstCUE(doc); err != nil {
		return nil, &LoadError{Code: ErrCodeDefinition, Message: err.Error()}
	}

	var def SchemaDef
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, &LoadError{Code: ErrCodeParse, Message: fmt.Sprintf("parsing %s: %v", path, err)}
	}
	s, err := def.Build()
	if err != nil {
		return nil, &LoadError{Code: ErrCodeLinkage, Message: err.Error()}
	}
	return s, nil
}

// validateAgainstCUE unifies the decoded document with the embedded #Schema
// definition. Structural problems (unknown kinds, empty names, missing
// attribute lists) surface here with CUE's field-level messages.
func validateAgainstCUE(doc any) error {
	ctx := cuecontext.New()
	schemaVal := ctx.CompileString(schemaDefCUE)
	if err := schemaVal.Err(); err != nil {
		return fmt.Errorf("internal schema definition: %w", err)
	}
	def := schemaVal.LookupPath(cue.ParsePath("#Schema"))
	if !def.Exists() {
		return fmt.Errorf("internal schema definition: #Schema not found")
	}
	unified := def.Unify(ctx.Encode(doc))
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return err
	}
	return nil
}

// Build converts the document form into the engine schema.
func (d *SchemaDef) Build() (*schema.Schema, error) {
	types := make([]*schema.EntityType, 0, len(d.Types))
	for _, td := range d.Types {
		et := &schema.EntityType{
			Name:  td.Name,
			Table: td.Table,
			PK:    td.PK,
		}
		for _, ad := range td.Attrs {
			kind, err := parseKind(ad.Kind)
			if err != nil {
				return nil, fmt.Errorf("type %s attribute %s: %w", td.Name, ad.Name, err)
			}
			et.Attrs = append(et.Attrs, schema.Attribute{
				Name:     ad.Name,
				Kind:     kind,
				Deferred: ad.Deferred,
			})
		}
		for _, rd := range td.Rels {
			et.Rels = append(et.Rels, schema.Relationship{
				Name:     rd.Name,
				Target:   rd.Target,
				ToMany:   rd.ToMany,
				Required: rd.Required,
				Columns:  rd.Columns,
				Reverse:  rd.Reverse,
				Cascade:  rd.Cascade,
			})
		}
		types = append(types, et)
	}
	return schema.New(types...)
}

func parseKind(s string) (schema.Kind, error) {
	switch s {
	case "int":
		return schema.KindInt, nil
	case "text":
		return schema.KindText, nil
	case "real":
		return schema.KindReal, nil
	case "bool":
		return schema.KindBool, nil
	default:
		return 0, fmt.Errorf("unknown kind %q", s)
	}
}

// LoadError reports a failure to load a schema definition file.
type LoadError struct {
	Code    string
	Message string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
