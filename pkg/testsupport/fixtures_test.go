package testsupport

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/goliatone/go-identity-map/bunstore"
	"github.com/goliatone/go-identity-map/identitymap"
	"github.com/goliatone/go-identity-map/internal/scenarios"
	"github.com/goliatone/go-identity-map/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFixture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.txt")
	require.NoError(t, os.WriteFile(path, []byte("test fixture content"), 0644))

	assert.Equal(t, "test fixture content", string(LoadFixture(t, path)))
}

func TestLoadFixtureYAML(t *testing.T) {
	var fixture map[string][]map[string]any
	LoadFixtureYAML(t, FixturePath("names.yaml"), &fixture)

	require.Len(t, fixture["NamesTable"], 2)
	assert.Equal(t, "ada", fixture["NamesTable"][0]["first"])
	assert.Equal(t, 10, fixture["AccountsTable"][0]["id"])
}

func TestSeedFixtureIntoMemory(t *testing.T) {
	store := memstore.New()
	SeedFixture(t, store, FixturePath("names.yaml"), scenarios.Names, scenarios.Accounts)

	assert.Len(t, store.Rows(scenarios.Names), 2)
	assert.Len(t, store.Rows(scenarios.Accounts), 1)
}

func TestSeedFixtureIntoSQLite(t *testing.T) {
	ctx := context.Background()
	store := bunstore.New(ScenarioSQLite(t))
	SeedFixture(t, store, FixturePath("names.yaml"), scenarios.Names, scenarios.Accounts)

	db, err := identitymap.New(store)
	require.NoError(t, err)
	tx, err := db.Begin(ctx)
	require.NoError(t, err)

	account, found, err := tx.FindByID(ctx, scenarios.Accounts, 10)
	require.NoError(t, err)
	require.True(t, found)
	name, err := account.Ref(ctx, "name")
	require.NoError(t, err)
	assert.Equal(t, "lovelace", name.Get("second"))
}

func TestFixturePath(t *testing.T) {
	assert.Equal(t, filepath.Join("testdata", "names.yaml"), FixturePath("names.yaml"))
}
