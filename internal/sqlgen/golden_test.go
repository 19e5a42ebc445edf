package sqlgen

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	"github.com/loamdb/loam/internal/expr"
)

// Golden coverage of compiled SQL shapes. Regenerate with:
//
//	go test ./internal/sqlgen -update
func TestCompile_Golden(t *testing.T) {
	s, product, vendor := testSchema(t)
	c := NewCompiler(s, 0)
	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"))

	cases := []struct {
		name string
		spec SelectSpec
	}{
		{
			name: "simple_predicate",
			spec: noLimit(SelectSpec{
				Root:   product,
				Filter: expr.Gt(expr.Field(product, "price"), expr.Value(100)),
			}),
		},
		{
			name: "join_order_limit",
			spec: SelectSpec{
				Root: product,
				Filter: expr.And(
					expr.Ge(expr.Field(product, "price"), expr.Value(100)),
					expr.Eq(expr.Path(product, "vendor", "name"), expr.Value("acme")),
				),
				Orders: []expr.OrderKey{
					expr.Desc(expr.Field(product, "price")),
					expr.Asc(expr.Field(product, "name")),
				},
				Limit:  10,
				Offset: -1,
			},
		},
		{
			name: "correlated_count",
			spec: noLimit(SelectSpec{
				Root:   vendor,
				Filter: expr.Gt(expr.Count(vendor, "products"), expr.Value(2)),
			}),
		},
		{
			name: "grouped_aggregates",
			spec: noLimit(SelectSpec{
				Root:   vendor,
				Filter: expr.Gt(expr.Count(vendor, "products"), expr.Value(1)),
				Orders: []expr.OrderKey{expr.Desc(expr.Sum(vendor, "products", "price"))},
			}),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sql, _, err := c.Select(tc.spec)
			require.NoError(t, err)
			g.Assert(t, tc.name, []byte(sql+"\n"))
		})
	}
}
