package testsupport

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/goliatone/go-relational-cache/txn"
)

// LoadFixture loads test data from a fixture file.
// The path is relative to the test package directory.
func LoadFixture(t *testing.T, path string) []byte {
	t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to load fixture from %s: %v", path, err)
	}

	return data
}

// LoadFixtureJSON loads JSON test data from a fixture file and unmarshals it.
func LoadFixtureJSON(t *testing.T, path string, dest any) {
	t.Helper()

	data := LoadFixture(t, path)
	if err := json.Unmarshal(data, dest); err != nil {
		t.Fatalf("failed to unmarshal JSON fixture from %s: %v", path, err)
	}
}

// LoadTables loads a JSON object mapping table names to row arrays. Numbers
// decode as float64, the way a loosely typed driver would hand them over.
func LoadTables(t *testing.T, path string) map[string][]txn.Row {
	t.Helper()

	var raw map[string][]map[string]any
	LoadFixtureJSON(t, path, &raw)

	tables := make(map[string][]txn.Row, len(raw))
	for name, rows := range raw {
		for _, r := range rows {
			tables[name] = append(tables[name], txn.Row(r))
		}
	}
	return tables
}

// SeededSource returns a MemorySource holding the tables of a fixture file.
func SeededSource(t *testing.T, path string) *MemorySource {
	t.Helper()

	src := NewMemorySource()
	for name, rows := range LoadTables(t, path) {
		src.Seed(name, rows...)
	}
	return src
}

// TempFile creates a file with content in a directory removed when the test
// ends and returns its path.
func TempFile(t *testing.T, name string, content []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("failed to write temp file %s: %v", path, err)
	}
	return path
}

// FixturePath constructs a path to a fixture file relative to the testdata directory.
func FixturePath(filename string) string {
	return filepath.Join("testdata", filename)
}
