package usage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		categories []string
		want       Type
	}{
		{"no references", nil, Archive},
		{"avatar", []string{"avatar"}, Permanent},
		{"background beats chat", []string{"chat", "background"}, Permanent},
		{"chat", []string{"chat"}, Recent},
		{"case insensitive", []string{"Character"}, Permanent},
		{"other", []string{"attachment"}, Temporary},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.categories))
		})
	}
}

func TestPrimaryCategory(t *testing.T) {
	assert.Equal(t, "avatar", PrimaryCategory([]string{"chat", "avatar"}))
	assert.Equal(t, "chat", PrimaryCategory([]string{"misc", "chat"}))
	assert.Equal(t, "misc", PrimaryCategory([]string{"misc"}))
	assert.Equal(t, "general", PrimaryCategory(nil))
}

func TestParse(t *testing.T) {
	got, err := Parse(" Temporary ")
	require.NoError(t, err)
	assert.Equal(t, Temporary, got)

	_, err = Parse("forever")
	assert.Error(t, err)
}

func TestIsImageType(t *testing.T) {
	assert.True(t, IsImageType("image/png"))
	assert.True(t, IsImageType("IMAGE/JPEG"))
	assert.False(t, IsImageType("application/pdf"))
	assert.False(t, IsImageType(""))
}
