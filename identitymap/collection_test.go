package identitymap_test

import (
	"testing"

	"github.com/goliatone/go-identity-map/identitymap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollectionDefaults(t *testing.T) {
	c, err := identitymap.NewCollection("Obj2", identitymap.Columns("label"))
	require.NoError(t, err)

	assert.Equal(t, "Obj2", c.Name())
	assert.Equal(t, "obj_2", c.TableName())
	assert.Equal(t, identitymap.KeyInt, c.KeyType())
	assert.Equal(t, "id", c.IdentityColumn())
	assert.Equal(t, []string{"id", "label"}, c.AllColumns())
}

func TestNewCollectionIdentityAnywhere(t *testing.T) {
	assert.Equal(t, []string{"id", "first", "second"}, names.AllColumns())
	assert.Equal(t, "uuid_col", table2.IdentityColumn())
	assert.Equal(t, identitymap.KeyText, table2.KeyType())

	ref, ok := table2.Reference("table1")
	require.True(t, ok)
	assert.Same(t, table1, ref.Target)
	assert.False(t, ref.Optional)

	custom := identitymap.MustCollection("Widget", identitymap.Table("legacy_widgets"))
	assert.Equal(t, "legacy_widgets", custom.TableName())
}

func TestNewCollectionRejectsInvalidDescriptors(t *testing.T) {
	tests := []struct {
		name string
		opts []identitymap.CollectionOption
		want string
	}{
		{
			name: "duplicate column",
			opts: []identitymap.CollectionOption{identitymap.Columns("a", "a")},
			want: "declared twice",
		},
		{
			name: "value column shadows identity",
			opts: []identitymap.CollectionOption{identitymap.Columns("id")},
			want: "declared twice",
		},
		{
			name: "single column composite",
			opts: []identitymap.CollectionOption{identitymap.CompositeIdentity("a")},
			want: "composite",
		},
		{
			name: "reference to composite identity",
			opts: []identitymap.CollectionOption{identitymap.References("m", memberships)},
			want: "composite identity",
		},
		{
			name: "reference to unknown target column",
			opts: []identitymap.CollectionOption{identitymap.ReferencesColumn("u", users, "nope")},
			want: "unknown column",
		},
		{
			name: "reference without target",
			opts: []identitymap.CollectionOption{identitymap.References("x", nil)},
			want: "no target",
		},
		{
			name: "empty identity column",
			opts: []identitymap.CollectionOption{identitymap.Identity("", identitymap.KeyInt)},
			want: "identity",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := identitymap.NewCollection("Broken", tt.opts...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Contains(t, err.Error(), `collection "Broken"`)
		})
	}

	_, err := identitymap.NewCollection("")
	assert.Error(t, err)

	assert.Panics(t, func() {
		identitymap.MustCollection("Broken", identitymap.Columns("a", "a"))
	})
}

func TestKeyTypeString(t *testing.T) {
	assert.Equal(t, "long", identitymap.KeyLong.String())
	assert.Equal(t, "composite", identitymap.KeyComposite.String())
	assert.Equal(t, "KeyType(0)", identitymap.KeyType(0).String())
}
