package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	f, err := Decode(Encode(TypeSync, []byte("delta")))
	require.NoError(t, err)
	assert.Equal(t, TypeSync, f.Type)
	assert.Equal(t, []byte("delta"), f.Payload)

	_, err = Decode(nil)
	assert.ErrorIs(t, err, ErrShortFrame)

	_, err = Decode([]byte{9, 1, 2})
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"msg":"history.watch","version":3,"note":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, MsgHistoryWatch, env.Msg)
	v, ok := env.Int64("version")
	assert.True(t, ok)
	assert.Equal(t, int64(3), v)
	assert.Equal(t, "x", env.String("note"))
	_, ok = env.Int64("missing")
	assert.False(t, ok)

	_, err = ParseEnvelope([]byte(`{"version":3}`))
	assert.ErrorIs(t, err, ErrNoDiscriminator)

	_, err = ParseEnvelope([]byte(`[1,2]`))
	assert.Error(t, err)
}

func TestStateless(t *testing.T) {
	f, err := Decode(Stateless(MsgDocumentSaved, map[string]any{"version": 4}))
	require.NoError(t, err)
	assert.Equal(t, TypeStateless, f.Type)

	var body map[string]any
	require.NoError(t, json.Unmarshal(f.Payload, &body))
	assert.Equal(t, MsgDocumentSaved, body["msg"])
	assert.EqualValues(t, 4, body["version"])
}

func TestEncodeAwareness(t *testing.T) {
	f, err := Decode(EncodeAwareness(map[string]json.RawMessage{"s1": json.RawMessage(`{"cursor":1}`)}))
	require.NoError(t, err)
	assert.Equal(t, TypeAwareness, f.Type)
	assert.JSONEq(t, `{"states":{"s1":{"cursor":1}}}`, string(f.Payload))
}
