package registry

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rumor-ml/commons.systems/cardflow/internal/domain"
	"github.com/rumor-ml/commons.systems/cardflow/internal/format"
	"github.com/rumor-ml/commons.systems/cardflow/internal/parser"
)

// mockParser implements parser.Parser for testing
type mockParser struct {
	kind         format.Kind
	canParseFunc func(string, []byte) bool
}

func (m *mockParser) Name() format.Kind { return m.kind }

func (m *mockParser) CanParse(path string, header []byte) bool {
	if m.canParseFunc != nil {
		return m.canParseFunc(path, header)
	}
	return false
}

func (m *mockParser) Parse(ctx context.Context, r io.Reader, meta *parser.Metadata, desc *format.Descriptor) (*parser.RawStatement, error) {
	return &parser.RawStatement{}, nil
}

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	catalog, err := format.LoadEmbedded()
	require.NoError(t, err)
	return New(catalog)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRegistry_New(t *testing.T) {
	reg := newRegistry(t)
	assert.Equal(t, []string{"csv", "fixedwidth", "ofx"}, reg.ListParsers())
	assert.NotNil(t, reg.Catalog())
}

func TestSelect(t *testing.T) {
	reg := newRegistry(t)
	dir := t.TempDir()

	tests := []struct {
		name     string
		file     string
		content  string
		wantID   string
		wantKind format.Kind
	}{
		{"card csv", "card_0126.csv", "date,description,amount\n2026-01-05,x,-1.00\n", "card-statement-csv", format.KindCSV},
		{"nubank csv", "nubank-2026-01.csv", "date,title,amount\n", "nubank-csv", format.KindCSV},
		{"ofx", "jan.ofx", "OFXHEADER:100\nDATA:OFXSGML\n<OFX>", "ofx", format.KindOFX},
		{"fixed width", "itau_jan.txt", "05/01/2026 LOJA ABC", "itau-fixedwidth", format.KindFixedWidth},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, err := reg.Select(writeFile(t, dir, tt.file, tt.content))
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, sel.Format.ID)
			assert.Equal(t, tt.wantKind, sel.Parser.Name())
		})
	}
}

func TestSelect_UnknownFormat(t *testing.T) {
	reg := newRegistry(t)
	path := writeFile(t, t.TempDir(), "notes.md", "# hello")

	_, err := reg.Select(path)
	var unknown *domain.UnknownBankFormatError
	require.True(t, errors.As(err, &unknown), "got %v", err)
	assert.Equal(t, path, unknown.File)
}

func TestSelect_ParserRejectsHeader(t *testing.T) {
	reg := newRegistry(t)
	// Detection matches the ofx descriptor by extension and the "ofx"
	// marker, but the OFX parser rejects content without OFX headers.
	path := writeFile(t, t.TempDir(), "fake.ofx", "this mentions ofx but is plain text")

	_, err := reg.Select(path)
	var unknown *domain.UnknownBankFormatError
	assert.True(t, errors.As(err, &unknown))
}

func TestSelect_MissingFile(t *testing.T) {
	reg := newRegistry(t)
	_, err := reg.Select(filepath.Join(t.TempDir(), "missing.csv"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open file")
}

func TestRegister_ReplacesKind(t *testing.T) {
	reg := newRegistry(t)
	mock := &mockParser{kind: format.KindCSV, canParseFunc: func(string, []byte) bool { return true }}
	reg.Register(mock)

	sel, err := reg.SelectHeader("card_0126.csv", []byte("date,description,amount\n"))
	require.NoError(t, err)
	assert.Same(t, mock, sel.Parser)
	assert.Len(t, reg.ListParsers(), 3)
}
