package cache

import (
	"bytes"
	"net/http"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecCompressesLargeBodies(t *testing.T) {
	entry := iconEntry("")
	entry.Body = bytes.Repeat([]byte("body { color: #333; }\n"), 512)

	data, err := encodeEntry(entry)
	require.NoError(t, err)
	assert.Less(t, len(data), len(entry.Body))

	var rec record
	require.NoError(t, cbor.Unmarshal(data, &rec))
	assert.True(t, rec.Compressed)

	decoded, err := decodeEntry(data)
	require.NoError(t, err)
	assert.Equal(t, entry.Body, decoded.Body)
	assert.Equal(t, entry.URL, decoded.URL)
	assert.Equal(t, "image/png", decoded.Header.Get("Content-Type"))
}

func TestCodecKeepsSmallBodiesRaw(t *testing.T) {
	data, err := encodeEntry(iconEntry("tiny"))
	require.NoError(t, err)
	var rec record
	require.NoError(t, cbor.Unmarshal(data, &rec))
	assert.False(t, rec.Compressed)
	assert.Equal(t, []byte("tiny"), rec.Body)
}

func TestCodecDetectsTampering(t *testing.T) {
	data, err := encodeEntry(iconEntry("original"))
	require.NoError(t, err)
	var rec record
	require.NoError(t, cbor.Unmarshal(data, &rec))
	rec.Body = []byte("tampered")
	tampered, err := cbor.Marshal(rec)
	require.NoError(t, err)

	_, err = decodeEntry(tampered)
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = decodeEntry([]byte{0xff, 0x00})
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestCodecEmptyBody(t *testing.T) {
	entry := Entry{Method: http.MethodGet, URL: "https://helpdesk.local/", Status: http.StatusNoContent}
	data, err := encodeEntry(entry)
	require.NoError(t, err)
	decoded, err := decodeEntry(data)
	require.NoError(t, err)
	assert.Empty(t, decoded.Body)
	assert.Equal(t, http.StatusNoContent, decoded.Status)
	assert.True(t, decoded.StoredAt.IsZero())
}
