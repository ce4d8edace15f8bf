package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_CurrentVersion(t *testing.T) {
	r := Default()
	assert.Equal(t, CurrentVersion, r.Current())
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14}, r.Versions())
}

func TestDefault_ActiveAtCurrent(t *testing.T) {
	r := Default()
	assert.Equal(t, []string{
		APIConfigs, CharacterGroups, CharacterMemories, Characters, ChatHistory,
		FileReferences, FileStorage, ImageUsageMetadata, Presets, PromptTemplates,
		Settings, ThemeConfig, UserProfiles, WorldBooks,
	}, r.ActiveNames(CurrentVersion))
	assert.False(t, r.IsActive(AvatarCache, CurrentVersion))
	assert.False(t, r.IsActive(ImageCache, CurrentVersion))
}

func TestDefault_History(t *testing.T) {
	r := Default()

	assert.Equal(t, []string{AvatarCache, Characters, ChatHistory, Settings}, r.ActiveNames(1))
	assert.True(t, r.IsActive(AvatarCache, 6))
	assert.False(t, r.IsActive(AvatarCache, 7))
	assert.True(t, r.IsActive(ImageCache, 8))
	assert.False(t, r.IsActive(ImageCache, 12))

	assert.Equal(t, []string{AvatarCache}, r.Removed(7))
	assert.Empty(t, r.Removed(8))
	assert.Equal(t, []string{AvatarCache}, r.RemovedThrough(11))
	assert.Equal(t, []string{AvatarCache, ImageCache}, r.RemovedThrough(14))
	assert.Empty(t, r.RemovedThrough(6))

	assert.Empty(t, r.ActiveNames(0))
	assert.Equal(t, r.ActiveNames(14), r.ActiveNames(99), "versions past the last step inherit it")
}

func TestDefault_IndexAddedLater(t *testing.T) {
	r := Default()

	at13, ok := r.Lookup(ChatHistory, 13)
	require.True(t, ok)
	assert.False(t, at13.HasIndex("updatedAt"))
	assert.Equal(t, 1, at13.Since)
	assert.True(t, at13.AutoIncrement)

	at14, ok := r.Lookup(ChatHistory, 14)
	require.True(t, ok)
	assert.True(t, at14.HasIndex("characterId"))
	assert.True(t, at14.HasIndex("updatedAt"))
}

func TestDefault_Descriptor(t *testing.T) {
	r := Default()

	d, ok := r.Descriptor(AvatarCache)
	require.True(t, ok, "removed stores keep their descriptor")
	assert.Equal(t, "key", d.KeyPath)

	api, ok := r.Descriptor(APIConfigs)
	require.True(t, ok)
	assert.Equal(t, CredentialFields, api.Redact)

	_, ok = r.Descriptor("nope")
	assert.False(t, ok)
}

func TestRegistry_ReturnsCopies(t *testing.T) {
	r := Default()
	d, _ := r.Lookup(ChatHistory, 14)
	d.Indexes[0].Name = "mutated"

	again, _ := r.Lookup(ChatHistory, 14)
	assert.Equal(t, "characterId", again.Indexes[0].Name)
}

func TestBuilder_Errors(t *testing.T) {
	tests := []struct {
		name  string
		build func() (*Registry, error)
	}{
		{"non-increasing version", func() (*Registry, error) {
			b := NewBuilder()
			b.Version(2)
			b.Version(2)
			return b.Build()
		}},
		{"duplicate store", func() (*Registry, error) {
			b := NewBuilder()
			b.Version(1).Add(StoreDescriptor{Name: "a", KeyPath: "id"})
			b.Version(2).Add(StoreDescriptor{Name: "a", KeyPath: "id"})
			return b.Build()
		}},
		{"remove unknown", func() (*Registry, error) {
			return NewBuilder().Version(1).Remove("ghost").Build()
		}},
		{"index on unknown store", func() (*Registry, error) {
			return NewBuilder().Version(1).AddIndex("ghost", IndexDescriptor{Name: "x", KeyPath: "x"}).Build()
		}},
		{"missing key path", func() (*Registry, error) {
			return NewBuilder().Version(1).Add(StoreDescriptor{Name: "a"}).Build()
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build()
			assert.Error(t, err)
		})
	}
}

func TestBuilder_ReAddAfterRemove(t *testing.T) {
	b := NewBuilder()
	b.Version(1).Add(StoreDescriptor{Name: "a", KeyPath: "id"})
	b.Version(2).Remove("a")
	b.Version(3).Add(StoreDescriptor{Name: "a", KeyPath: "key"})
	r, err := b.Build()
	require.NoError(t, err)

	assert.Empty(t, r.RemovedThrough(3))
	assert.Equal(t, []string{"a"}, r.RemovedThrough(2))
	d, ok := r.Lookup("a", 3)
	require.True(t, ok)
	assert.Equal(t, "key", d.KeyPath)
	assert.Equal(t, 3, d.Since)
}
