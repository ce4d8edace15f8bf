package snapshot

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/localstore/internal/dberr"
)

func TestMarshalJSON_MetadataFirstStoresSorted(t *testing.T) {
	s := New("localstore", 14)
	s.Metadata.Stores = []string{"b", "a"}
	s.Stores["zeta"] = []any{map[string]any{"id": "z"}}
	s.Stores["alpha"] = nil

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Equal(t,
		`{"_metadata":{"name":"localstore","version":14,"stores":["b","a"]},"alpha":[],"zeta":[{"id":"z"}]}`,
		string(data))
}

func TestUnmarshalJSON(t *testing.T) {
	var s Snapshot
	require.NoError(t, json.Unmarshal([]byte(`{
		"_metadata": {"name": "x", "version": 4, "exportTime": "2024-01-02T03:04:05Z"},
		"characters": [{"id": "c1", "age": 3}],
		"settings": []
	}`), &s))

	assert.Equal(t, 4, s.Version())
	assert.Equal(t, "x", s.Metadata.Name)
	assert.Equal(t, []string{"characters", "settings"}, s.StoreNames())
	assert.Equal(t, []any{map[string]any{"id": "c1", "age": float64(3)}}, s.Stores["characters"])
	assert.NotNil(t, s.Stores["settings"])
	assert.True(t, s.Has("settings"))
	assert.False(t, s.Has("themeConfig"))
}

func TestClone_IsDeep(t *testing.T) {
	s := New("x", 4)
	s.Metadata.Stores = []string{"characters"}
	s.Stores["characters"] = []any{map[string]any{"id": "c1", "tags": []any{"a"}}}

	c := s.Clone()
	c.Metadata.Version = 14
	c.Metadata.Stores[0] = "changed"
	c.Stores["characters"][0].(map[string]any)["tags"].([]any)[0] = "b"
	c.Stores["new"] = []any{}

	assert.Equal(t, 4, s.Metadata.Version)
	assert.Equal(t, "characters", s.Metadata.Stores[0])
	assert.Equal(t, "a", s.Stores["characters"][0].(map[string]any)["tags"].([]any)[0])
	assert.False(t, s.Has("new"))
}

func TestRecords(t *testing.T) {
	s := New("x", 1)
	s.Stores["mixed"] = []any{map[string]any{"id": "a"}, "not an object"}
	recs := s.Records("mixed")
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0]["id"])
	assert.Nil(t, recs[1])
	assert.Empty(t, s.Records("missing"))
}

func TestParse(t *testing.T) {
	s, err := Parse([]byte(`{"_metadata":{"version":4},"characters":[{"id":"c1"}]}`))
	require.NoError(t, err)
	assert.Equal(t, 4, s.Version())
	assert.Len(t, s.Stores["characters"], 1)
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `{"_metadata":`},
		{"missing metadata", `{"characters":[]}`},
		{"missing version", `{"_metadata":{"name":"x"}}`},
		{"fractional version", `{"_metadata":{"version":4.5}}`},
		{"zero version", `{"_metadata":{"version":0}}`},
		{"store not an array", `{"_metadata":{"version":4},"characters":{"id":"c1"}}`},
		{"bad store name", `{"_metadata":{"version":4},"1bad":[]}`},
		{"stores not strings", `{"_metadata":{"version":4,"stores":[1]}}`},
		{"top level array", `[]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, dberr.IsValidation(err), "%v", err)
		})
	}
}

func TestValidate_AcceptsUnknownMetadataFields(t *testing.T) {
	assert.NoError(t, Validate([]byte(`{"_metadata":{"version":14,"exportedBy":"desktop"},"settings":[{"key":"k","value":1}]}`)))
}

func TestValidate_RepeatedKeyLastWins(t *testing.T) {
	assert.NoError(t, Validate([]byte(`{"_metadata":{"version":14},"settings":[{"key":"a","key":"b"}]}`)))

	s, err := Parse([]byte(`{"_metadata":{"version":14},"settings":[{"key":"a","key":"b"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "b", s.Records("settings")[0]["key"])
}

func TestValidate_RejectsTrailingData(t *testing.T) {
	err := Validate([]byte(`{"_metadata":{"version":14}} {}`))
	require.Error(t, err)
	assert.True(t, dberr.IsValidation(err))
}

func TestEncode_Indented(t *testing.T) {
	s := New("x", 2)
	data, err := Encode(s, "  ")
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"_metadata\": {\n    \"name\": \"x\",\n    \"version\": 2\n  }\n}\n", string(data))
}
