package testsupport

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/goliatone/go-identity-map/identitymap"
	"gopkg.in/yaml.v3"
)

// LoadFixture loads test data from a fixture file.
// The path is relative to the test package directory.
func LoadFixture(t testing.TB, path string) []byte {
	t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to load fixture from %s: %v", path, err)
	}

	return data
}

// LoadFixtureYAML loads YAML test data from a fixture file and unmarshals it.
func LoadFixtureYAML(t testing.TB, path string, dest any) {
	t.Helper()

	data := LoadFixture(t, path)
	if err := yaml.Unmarshal(data, dest); err != nil {
		t.Fatalf("failed to unmarshal YAML fixture from %s: %v", path, err)
	}
}

// SeedFixture inserts the rows of a YAML fixture into storage as one batch.
// The fixture maps collection names to row lists:
//
//	NamesTable:
//	  - {id: 1, first: a, second: b}
//
// Collections are inserted in the order given, so referenced tables go first.
func SeedFixture(t testing.TB, storage identitymap.Storage, path string, collections ...*identitymap.Collection) {
	t.Helper()

	var fixture map[string][]map[string]any
	LoadFixtureYAML(t, path, &fixture)

	batch := identitymap.WriteBatch{Scope: "fixture:" + filepath.Base(path)}
	for _, c := range collections {
		for i, raw := range fixture[c.Name()] {
			row := identitymap.Row(raw)
			key, err := rowKey(c, row)
			if err != nil {
				t.Fatalf("fixture %s: %s row %d: %v", path, c.Name(), i, err)
			}
			batch.Writes = append(batch.Writes, identitymap.Write{
				Kind:       identitymap.WriteInsert,
				Collection: c,
				Key:        key,
				Values:     row,
			})
		}
		delete(fixture, c.Name())
	}
	for name := range fixture {
		t.Fatalf("fixture %s: no collection named %q", path, name)
	}

	if err := storage.Flush(context.Background(), batch); err != nil {
		t.Fatalf("failed to seed fixture %s: %v", path, err)
	}
}

func rowKey(c *identitymap.Collection, row identitymap.Row) (any, error) {
	cols := c.IdentityColumns()
	if len(cols) == 1 {
		return c.NormalizeKey(row[cols[0]])
	}
	parts := make([]any, len(cols))
	for i, col := range cols {
		parts[i] = row[col]
	}
	return c.NormalizeKey(parts)
}

// FixturePath constructs a path to a fixture file relative to the testdata directory.
func FixturePath(filename string) string {
	return filepath.Join("testdata", filename)
}
