package scanner

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rumor-ml/commons.systems/cardflow/internal/parser"
)

// DefaultExtensions are the statement file extensions scanned when none are given
var DefaultExtensions = []string{".csv", ".ofx", ".qfx", ".txt"}

var periodPattern = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

// Scanner walks directory tree and finds statement files
type Scanner struct {
	rootDir    string
	extensions map[string]struct{}
	now        func() time.Time
}

// New creates a new scanner for the given root directory.
// With no extensions, DefaultExtensions are used.
func New(rootDir string, extensions ...string) *Scanner {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	exts := make(map[string]struct{}, len(extensions))
	for _, e := range extensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts[e] = struct{}{}
	}
	return &Scanner{rootDir: rootDir, extensions: exts, now: time.Now}
}

// ScanResult represents a found file with metadata
type ScanResult struct {
	Path     string
	Metadata *parser.Metadata
}

// Scan walks the directory tree and finds all statement files.
// Results are sorted by path so ingestion order is reproducible.
func (s *Scanner) Scan() ([]ScanResult, error) {
	var results []ScanResult

	rootDir, err := s.expandHome(s.rootDir)
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}
	info, err := os.Stat(rootDir)
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	// A single file is scanned on its own, without directory metadata
	if !info.IsDir() {
		if !s.isStatementFile(rootDir) {
			return nil, nil
		}
		meta, err := parser.NewMetadata(rootDir, s.now())
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		return []ScanResult{{Path: rootDir, Metadata: meta}}, nil
	}

	err = filepath.WalkDir(rootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("error accessing %s: %w", path, err)
		}
		if d.IsDir() {
			if path != rootDir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") || !s.isStatementFile(path) {
			return nil
		}

		meta, err := s.extractMetadata(path, rootDir)
		if err != nil {
			return err
		}
		results = append(results, ScanResult{Path: path, Metadata: meta})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Path < results[j].Path })
	return results, nil
}

// isStatementFile checks the extension against the configured set
func (s *Scanner) isStatementFile(path string) bool {
	_, ok := s.extensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

// extractMetadata parses directory structure to extract institution/account info
// Path structure: {root}/{institution}/{account}/{period?}/file.ext
func (s *Scanner) extractMetadata(filePath, rootDir string) (*parser.Metadata, error) {
	meta, err := parser.NewMetadata(filePath, s.now())
	if err != nil {
		return nil, err
	}

	relPath, err := filepath.Rel(rootDir, filePath)
	if err != nil {
		relPath = filePath
	}
	parts := strings.Split(filepath.ToSlash(relPath), "/")

	// Institution (first directory)
	if len(parts) >= 2 {
		meta.SetInstitution(normalizeInstitutionName(parts[0]))
	}
	// Account (second directory)
	if len(parts) >= 3 {
		meta.SetAccountNumber(parts[1])
	}
	// Period (third directory, only when it is YYYY-MM)
	if len(parts) >= 4 && looksLikePeriod(parts[2]) {
		meta.SetPeriod(parts[2])
	}
	return meta, nil
}

// normalizeInstitutionName lowercases and joins words with dashes
// "Banco_Itau" -> "banco-itau", "nubank" -> "nubank"
func normalizeInstitutionName(dirName string) string {
	name := strings.ToLower(strings.TrimSpace(dirName))
	return strings.Join(strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == ' ' || r == '-'
	}), "-")
}

// looksLikePeriod checks if string is a YYYY-MM period
func looksLikePeriod(str string) bool {
	return periodPattern.MatchString(str)
}

// expandHome expands ~ to home directory
func (s *Scanner) expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}
