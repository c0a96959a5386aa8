package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// Record is a persisted, versioned state snapshot.
type Record struct {
	Key      string
	Version  int
	Data     json.RawMessage
	SavedAt  time.Time
	TTL      time.Duration
	Priority int
}

// Framing tags carried in the first byte of an encoded record.
const (
	frameCBOR     byte = 0x01
	frameCBORZstd byte = 0x02
)

// maxDecodedSize bounds decompression of a single record.
const maxDecodedSize = 64 << 20

var errCorrupt = errors.New("state: corrupt record")

// wireRecord is the CBOR form of Record. Integer keys keep records compact.
type wireRecord struct {
	Key      string `cbor:"1,keyasint"`
	Version  int    `cbor:"2,keyasint"`
	Data     []byte `cbor:"3,keyasint"`
	SavedAt  int64  `cbor:"4,keyasint"`
	TTL      int64  `cbor:"5,keyasint,omitempty"`
	Priority int    `cbor:"6,keyasint,omitempty"`
	Checksum []byte `cbor:"7,keyasint"`
}

var (
	encMode     cbor.EncMode
	decMode     cbor.DecMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("state: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("state: CBOR decoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("state: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	if err != nil {
		panic("state: zstd decoder initialization failed: " + err.Error())
	}
}

func checksum(data []byte) []byte {
	sum := blake3.Sum256(data)
	return sum[:]
}

// encodeRecord serializes r. Encodings longer than compressAbove are
// zstd-compressed when that makes them smaller.
func encodeRecord(r Record, compressAbove int) ([]byte, error) {
	w := wireRecord{
		Key:      r.Key,
		Version:  r.Version,
		Data:     r.Data,
		SavedAt:  r.SavedAt.UnixNano(),
		TTL:      int64(r.TTL),
		Priority: r.Priority,
		Checksum: checksum(r.Data),
	}
	body, err := encMode.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("state: encode record: %w", err)
	}
	if compressAbove > 0 && len(body) > compressAbove {
		compressed := zstdEncoder.EncodeAll(body, nil)
		if len(compressed) < len(body) {
			return append([]byte{frameCBORZstd}, compressed...), nil
		}
	}
	return append([]byte{frameCBOR}, body...), nil
}

// decodeRecord parses and verifies an encoded record. Any framing,
// decoding or checksum failure is reported as errCorrupt.
func decodeRecord(b []byte) (Record, error) {
	if len(b) < 2 {
		return Record{}, fmt.Errorf("%w: truncated", errCorrupt)
	}
	body := b[1:]
	switch b[0] {
	case frameCBOR:
	case frameCBORZstd:
		var err error
		body, err = zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return Record{}, fmt.Errorf("%w: decompress: %v", errCorrupt, err)
		}
	default:
		return Record{}, fmt.Errorf("%w: unknown framing 0x%02x", errCorrupt, b[0])
	}

	var w wireRecord
	if err := decMode.Unmarshal(body, &w); err != nil {
		return Record{}, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	if !bytes.Equal(w.Checksum, checksum(w.Data)) {
		return Record{}, fmt.Errorf("%w: checksum mismatch", errCorrupt)
	}
	return Record{
		Key:      w.Key,
		Version:  w.Version,
		Data:     json.RawMessage(w.Data),
		SavedAt:  time.Unix(0, w.SavedAt),
		TTL:      time.Duration(w.TTL),
		Priority: w.Priority,
	}, nil
}
