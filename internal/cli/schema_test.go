package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const catalogDefinition = `
types:
  - name: Vendor
    attrs:
      - name: id
        kind: int
      - name: name
        kind: text
    pk: [id]
    rels:
      - name: products
        target: Product
        to_many: true
        reverse: vendor
  - name: Product
    attrs:
      - name: id
        kind: int
      - name: name
        kind: text
      - name: vendor_id
        kind: int
    pk: [id]
    rels:
      - name: vendor
        target: Vendor
        required: true
        columns: [vendor_id]
        reverse: products
`

func writeDefinition(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schema.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func newSchemaCmd(format string, verbose bool) (*bytes.Buffer, *bytes.Buffer, *cobra.Command) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	cmd := NewSchemaCommand(&RootOptions{Format: format, Verbose: verbose})
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	return out, errOut, cmd
}

func TestSchemaValidateValid(t *testing.T) {
	path := writeDefinition(t, catalogDefinition)

	out, _, cmd := newSchemaCmd("text", false)
	cmd.SetArgs([]string{"validate", path})

	err := cmd.Execute()
	require.NoError(t, err)
	assert.Contains(t, out.String(), "valid (2 types")
}

func TestSchemaValidateValidJSON(t *testing.T) {
	path := writeDefinition(t, catalogDefinition)

	out, _, cmd := newSchemaCmd("json", false)
	cmd.SetArgs([]string{"validate", path})

	err := cmd.Execute()
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)

	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(2), data["types"])
	assert.NotEmpty(t, data["version"])
}

func TestSchemaValidateMissingFile(t *testing.T) {
	out, _, cmd := newSchemaCmd("text", false)
	cmd.SetArgs([]string{"validate", "/nonexistent/schema.yaml"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out.String(), ErrCodeNotFound)
}

func TestSchemaValidateBadYAML(t *testing.T) {
	path := writeDefinition(t, "types: [unclosed")

	out, _, cmd := newSchemaCmd("text", false)
	cmd.SetArgs([]string{"validate", path})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out.String(), ErrCodeParse)
}

func TestSchemaValidateUnknownKind(t *testing.T) {
	path := writeDefinition(t, `
types:
  - name: Blob
    attrs:
      - name: id
        kind: blob
    pk: [id]
`)

	out, _, cmd := newSchemaCmd("text", false)
	cmd.SetArgs([]string{"validate", path})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out.String(), ErrCodeDefinition)
}

func TestSchemaValidateUnknownTarget(t *testing.T) {
	path := writeDefinition(t, `
types:
  - name: Product
    attrs:
      - name: id
        kind: int
      - name: vendor_id
        kind: int
    pk: [id]
    rels:
      - name: vendor
        target: Vendor
        columns: [vendor_id]
`)

	out, _, cmd := newSchemaCmd("text", false)
	cmd.SetArgs([]string{"validate", path})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out.String(), ErrCodeLinkage)
}

func TestSchemaValidateUnknownTargetJSON(t *testing.T) {
	path := writeDefinition(t, `
types:
  - name: Product
    attrs:
      - name: id
        kind: int
    pk: [id]
    rels:
      - name: vendor
        target: Vendor
        columns: [vendor_id]
`)

	out, _, cmd := newSchemaCmd("json", false)
	cmd.SetArgs([]string{"validate", path})

	err := cmd.Execute()
	require.Error(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeLinkage, resp.Error.Code)
}

func TestSchemaValidateVerbose(t *testing.T) {
	path := writeDefinition(t, catalogDefinition)

	_, errOut, cmd := newSchemaCmd("text", true)
	cmd.SetArgs([]string{"validate", path})

	err := cmd.Execute()
	require.NoError(t, err)
	assert.Contains(t, errOut.String(), "Loading schema definition")
}

func TestSchemaDDL(t *testing.T) {
	path := writeDefinition(t, catalogDefinition)

	out, _, cmd := newSchemaCmd("text", false)
	cmd.SetArgs([]string{"ddl", path})

	err := cmd.Execute()
	require.NoError(t, err)

	output := out.String()
	assert.Contains(t, output, "CREATE TABLE IF NOT EXISTS vendors")
	assert.Contains(t, output, "CREATE TABLE IF NOT EXISTS products")
	assert.Contains(t, output, "FOREIGN KEY (vendor_id) REFERENCES vendors (id)")
}

func TestSchemaDDLJSON(t *testing.T) {
	path := writeDefinition(t, catalogDefinition)

	out, _, cmd := newSchemaCmd("json", false)
	cmd.SetArgs([]string{"ddl", path})

	err := cmd.Execute()
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)

	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	stmts, ok := data["statements"].([]any)
	require.True(t, ok)
	assert.Len(t, stmts, 2)
}

func TestLoadSchemaDefTableOverride(t *testing.T) {
	path := writeDefinition(t, `
types:
  - name: Person
    table: people
    attrs:
      - name: id
        kind: int
      - name: nickname
        kind: text
        deferred: true
    pk: [id]
`)

	s, lerr := LoadSchemaDef(path)
	require.Nil(t, lerr)

	et, ok := s.Type("Person")
	require.True(t, ok)
	assert.Equal(t, "people", et.Table)
	assert.True(t, et.Attrs[1].Deferred)
}
