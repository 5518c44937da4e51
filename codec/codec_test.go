package codec

import (
	"testing"

	"github.com/benitogf/jsondiff"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func TestRoundTripScalars(t *testing.T) {
	cases := []any{
		nil,
		true,
		false,
		int64(42),
		int64(-7),
		3.14159,
		[]byte("hello"),
		"unicode: 世界",
		"",
	}

	for _, v := range cases {
		encoded, err := Encode(v)
		require.NoError(t, err)
		decoded, err := Decode(encoded)
		require.NoError(t, err)
		require.Equal(t, v, decoded)
	}
}

func TestRoundTripNestedCollections(t *testing.T) {
	v := map[string]any{
		"name": "Bob",
		"age":  int64(30),
		"tags": []any{"a", "b", int64(3)},
		"nested": map[string]any{
			"ok": true,
		},
	}

	encoded, err := Encode(v)
	require.NoError(t, err)
	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, v, decoded)
}

func TestRoundTripJSONProjection(t *testing.T) {
	// Round trip through the codec and verify the JSON debug projection
	// of the decoded value matches the JSON projection of the input,
	// the same role jsondiff plays in the teacher's fuzz tooling.
	v := map[string]any{
		"a": int64(1),
		"b": []any{int64(1), int64(2), int64(3)},
	}
	encoded, err := Encode(v)
	require.NoError(t, err)
	decoded, err := Decode(encoded)
	require.NoError(t, err)

	want, err := json.Marshal(v)
	require.NoError(t, err)
	got, err := json.Marshal(decoded)
	require.NoError(t, err)

	same, _ := jsondiff.Compare(want, got, &jsondiff.Options{})
	require.Equal(t, jsondiff.FullMatch, same,
		"decoded value diverged from encoded input: want=%s got=%s", want, got)
}

func TestUnsupportedType(t *testing.T) {
	_, err := Encode(make(chan int))
	require.ErrorIs(t, err, ErrUnsupportedType)
}

func TestDecodeTruncated(t *testing.T) {
	_, err := Decode([]byte{byte(TagString), 0xff, 0xff, 0xff, 0xff})
	require.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeUnknownTag(t *testing.T) {
	_, err := Decode([]byte{0xAA})
	require.ErrorIs(t, err, ErrUnknownTag)
}

func TestFromJSONToJSON(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
		N    int    `json:"n"`
	}
	in := payload{Name: "x", N: 7}
	encoded, err := FromJSON(in)
	require.NoError(t, err)

	var out payload
	require.NoError(t, ToJSON(encoded, &out))
	require.Equal(t, in, out)
}

func TestEmptyContainers(t *testing.T) {
	encoded, err := Encode([]any{})
	require.NoError(t, err)
	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, []any{}, decoded)

	encoded, err = Encode(map[string]any{})
	require.NoError(t, err)
	decoded, err = Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, map[string]any{}, decoded)
}
