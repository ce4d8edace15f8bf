package blob

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeDataURL(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		wantData  string
		wantType  string
		wantError bool
	}{
		{name: "base64", in: "data:image/png;base64,aGVsbG8=", wantData: "hello", wantType: "image/png"},
		{name: "unpadded base64", in: "data:image/png;base64,aGVsbG8", wantData: "hello", wantType: "image/png"},
		{name: "parameters", in: "data:text/plain;charset=utf-8;base64,aGk=", wantData: "hi", wantType: "text/plain"},
		{name: "percent encoded", in: "data:,a%20b", wantData: "a b", wantType: "text/plain"},
		{name: "uppercase scheme", in: "DATA:image/gif;BASE64,R0lG", wantData: "GIF", wantType: "image/gif"},
		{name: "no comma", in: "data:image/png;base64", wantError: true},
		{name: "bad base64", in: "data:;base64,!!!", wantError: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, mediaType, err := decodeDataURL(tt.in)
			if tt.wantError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantData, string(data))
			assert.Equal(t, tt.wantType, mediaType)
		})
	}
}

func TestIsDataURL(t *testing.T) {
	assert.True(t, isDataURL([]byte("data:,x")))
	assert.False(t, isDataURL([]byte("dat")))
	assert.False(t, isDataURL([]byte("\x89PNG")))
}
