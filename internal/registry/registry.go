// Package registry maps statement files to a bank-format descriptor and the
// parse strategy for its kind.
package registry

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/rumor-ml/commons.systems/cardflow/internal/domain"
	"github.com/rumor-ml/commons.systems/cardflow/internal/format"
	"github.com/rumor-ml/commons.systems/cardflow/internal/parser"
	"github.com/rumor-ml/commons.systems/cardflow/internal/parsers/csv"
	"github.com/rumor-ml/commons.systems/cardflow/internal/parsers/fixedwidth"
	"github.com/rumor-ml/commons.systems/cardflow/internal/parsers/ofx"
)

// HeaderSize is the number of leading bytes read for detection.
// It covers OFX headers and the first CSV record of every known format.
const HeaderSize = 512

// Selection is the outcome of detection for one file
type Selection struct {
	Format *format.Descriptor
	Parser parser.Parser
}

// Registry holds the format catalog and one parser per descriptor kind
type Registry struct {
	catalog *format.Catalog
	parsers map[format.Kind]parser.Parser
}

// New creates a registry with all built-in parsers
func New(catalog *format.Catalog) *Registry {
	r := &Registry{
		catalog: catalog,
		parsers: make(map[format.Kind]parser.Parser),
	}
	r.Register(csv.NewParser())
	r.Register(ofx.NewParser())
	r.Register(fixedwidth.NewParser())
	return r
}

// Register adds or replaces the parser for its kind
func (r *Registry) Register(p parser.Parser) {
	r.parsers[p.Name()] = p
}

// Catalog returns the format catalog used for detection
func (r *Registry) Catalog() *format.Catalog {
	return r.catalog
}

// Select opens path, reads its header and returns the detected selection.
// A file matching no descriptor fails with *domain.UnknownBankFormatError.
func (r *Registry) Select(path string) (*Selection, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	header := make([]byte, HeaderSize)
	n, err := io.ReadFull(f, header)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("failed to read header from %s: %w", path, err)
	}
	// Short files are fine; parsers receive whatever was read.
	return r.SelectHeader(path, header[:n])
}

// SelectHeader is Select for an already-read header. Descriptors are tried in
// priority order; the first whose kind has a parser accepting the header wins.
func (r *Registry) SelectHeader(path string, header []byte) (*Selection, error) {
	for _, d := range r.catalog.Candidates(path, header) {
		p, ok := r.parsers[d.Kind]
		if !ok {
			continue
		}
		if p.CanParse(path, header) {
			return &Selection{Format: d, Parser: p}, nil
		}
	}
	return nil, &domain.UnknownBankFormatError{File: path}
}

// ListParsers returns the registered parser kinds, sorted
func (r *Registry) ListParsers() []string {
	names := make([]string, 0, len(r.parsers))
	for kind := range r.parsers {
		names = append(names, string(kind))
	}
	sort.Strings(names)
	return names
}
