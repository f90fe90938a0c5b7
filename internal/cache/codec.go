package cache

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// Bodies at or above this size are stored zstd-compressed when that saves
// space.
const compressThreshold = 1024

var (
	encMode    cbor.EncMode
	zstdWriter *zstd.Encoder
	zstdReader *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cache: cbor encoder initialization failed: " + err.Error())
	}
	zstdWriter, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("cache: zstd encoder initialization failed: " + err.Error())
	}
	zstdReader, err = zstd.NewReader(nil)
	if err != nil {
		panic("cache: zstd decoder initialization failed: " + err.Error())
	}
}

type record struct {
	Method     string              `cbor:"1,keyasint"`
	URL        string              `cbor:"2,keyasint"`
	Status     int                 `cbor:"3,keyasint"`
	Header     map[string][]string `cbor:"4,keyasint,omitempty"`
	Body       []byte              `cbor:"5,keyasint,omitempty"`
	Compressed bool                `cbor:"6,keyasint,omitempty"`
	Digest     []byte              `cbor:"7,keyasint"`
	StoredAt   int64               `cbor:"8,keyasint"`
}

// encodeEntry serializes an entry for the persistent drivers. The digest is
// taken over the uncompressed body.
func encodeEntry(entry Entry) ([]byte, error) {
	digest := blake3.Sum256(entry.Body)
	rec := record{
		Method: entry.Method,
		URL:    entry.URL,
		Status: entry.Status,
		Header: entry.Header,
		Body:   entry.Body,
		Digest: digest[:],
	}
	if !entry.StoredAt.IsZero() {
		rec.StoredAt = entry.StoredAt.UnixMilli()
	}
	if len(entry.Body) >= compressThreshold {
		compressed := zstdWriter.EncodeAll(entry.Body, make([]byte, 0, len(entry.Body)/2))
		if len(compressed) < len(entry.Body) {
			rec.Body = compressed
			rec.Compressed = true
		}
	}
	data, err := encMode.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode cache entry: %w", err)
	}
	return data, nil
}

func decodeEntry(data []byte) (Entry, error) {
	var rec record
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	body := rec.Body
	if rec.Compressed {
		decoded, err := zstdReader.DecodeAll(rec.Body, nil)
		if err != nil {
			return Entry{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		body = decoded
	} else if body != nil {
		body = append([]byte(nil), body...)
	}
	digest := blake3.Sum256(body)
	if !bytes.Equal(digest[:], rec.Digest) {
		return Entry{}, fmt.Errorf("%w: digest mismatch for %s", ErrCorrupt, rec.URL)
	}
	entry := Entry{
		Method: rec.Method,
		URL:    rec.URL,
		Status: rec.Status,
		Body:   body,
	}
	if rec.Header != nil {
		entry.Header = http.Header(rec.Header).Clone()
	}
	if rec.StoredAt != 0 {
		entry.StoredAt = time.UnixMilli(rec.StoredAt).UTC()
	}
	return entry, nil
}
