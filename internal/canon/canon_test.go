package canon

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sift/internal/snapshot"
)

func TestMarshal_Scalars(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"null", nil, `null`},
		{"true", true, `true`},
		{"int", 42, `42`},
		{"negative int64", int64(-7), `-7`},
		{"uint8", uint8(200), `200`},
		{"integral float", 3.0, `3`},
		{"fraction", 1.5, `1.5`},
		{"string", "hi", `"hi"`},
		{"quotes and control", "a\"b\\c\n\x01", `"a\"b\\c\n\u0001"`},
		{"no html escaping", "<a>&", `"<a>&"`},
		{"line separator kept literal", "x\u2028y", "\"x\u2028y\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Marshal(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestMarshal_NFC(t *testing.T) {
	decomposed := "e\u0301"
	composed := "\u00e9"
	a, err := Marshal(decomposed)
	require.NoError(t, err)
	b, err := Marshal(composed)
	require.NoError(t, err)
	assert.Equal(t, b, a)
}

func TestMarshal_SortedKeys(t *testing.T) {
	got, err := Marshal(snapshot.Record{"b": 1, "a": snapshot.Record{"d": []any{1, "x"}, "c": nil}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"c":null,"d":[1,"x"]},"b":1}`, string(got))
}

func TestMarshal_UTF16KeyOrder(t *testing.T) {
	// U+1F600 encodes to surrogates 0xD83D..., which sort before U+FF5E in
	// UTF-16 but after it in UTF-8.
	got, err := Marshal(map[string]any{"\uFF5E": 1, "\U0001F600": 2})
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":2,\"\uFF5E\":1}", string(got))
}

func TestMarshal_FunctionsAsNames(t *testing.T) {
	got, err := Marshal(snapshot.Record{"fn": TestMarshal_FunctionsAsNames})
	require.NoError(t, err)
	assert.Contains(t, string(got), "TestMarshal_FunctionsAsNames")
}

func TestMarshal_RejectsNonFinite(t *testing.T) {
	_, err := Marshal(snapshot.Record{"x": math.NaN()})
	assert.Error(t, err)
	_, err = Marshal(math.Inf(1))
	assert.Error(t, err)
}

func TestMarshal_Unsupported(t *testing.T) {
	_, err := Marshal(make(chan int))
	assert.Error(t, err)
}

func TestMarshalIndent(t *testing.T) {
	got, err := MarshalIndent(snapshot.Record{"a": 1}, "  ")
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"a\": 1\n}", string(got))
}

func TestDigest_EqualSnapshotsEqualDigests(t *testing.T) {
	a := snapshot.FromRecord(snapshot.Record{"x": 1, "y": snapshot.Record{"z": "q"}})
	b := snapshot.FromRecord(snapshot.Record{"y": snapshot.Record{"z": "q"}, "x": 1})

	da, err := Digest(a)
	require.NoError(t, err)
	db, err := Digest(b)
	require.NoError(t, err)
	assert.Equal(t, da, db)
	assert.Len(t, da, 64)

	dc, err := DigestWithDomain(DomainBatch, a)
	require.NoError(t, err)
	assert.NotEqual(t, da, dc, "domain must separate digests")

	data, err := Marshal(a)
	require.NoError(t, err)
	assert.Equal(t, da, DigestBytes(data))
}

func TestMustDigest_Panics(t *testing.T) {
	assert.Panics(t, func() { MustDigest(math.NaN()) })
}

func TestMarshal_StructsAndTypedMaps(t *testing.T) {
	type index struct {
		Name   string
		Keys   func() string
		Hidden string `json:"-"`
		Tagged int    `json:"tagged,omitempty"`
		secret int
	}
	got, err := Marshal([]index{{Name: "byName", Tagged: 2, secret: 1}})
	require.NoError(t, err)
	assert.Equal(t, `[{"Keys":"","Name":"byName","tagged":2}]`, string(got))

	got, err = Marshal(index{Name: "empty"})
	require.NoError(t, err)
	assert.Equal(t, `{"Keys":"","Name":"empty"}`, string(got))

	got, err = Marshal(map[string]int{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2}`, string(got))

	_, err = Marshal(map[int]int{1: 1})
	assert.Error(t, err)
}

func TestMarshal_Pointers(t *testing.T) {
	n := 5
	got, err := Marshal([]any{&n, (*int)(nil)})
	require.NoError(t, err)
	assert.Equal(t, `[5,null]`, string(got))
}
