// Package decode turns raw firehose frames into keyed aircraft records,
// transparently handling gzip-compressed and plain JSON payloads.
package decode

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/AdamNotts/planefinder-kml/errors"
	"github.com/AdamNotts/planefinder-kml/types"
)

// gzipMagic is the two-byte signature of a gzip stream.
var gzipMagic = []byte{0x1f, 0x8b}

// Decoder parses frame payloads. It is stateless and safe for concurrent use.
type Decoder struct{}

// New creates a new frame payload decoder.
func New() *Decoder {
	return &Decoder{}
}

// Decode parses one frame payload into a mapping of aircraft id to record.
// A nil map with nil error means the frame carried nothing usable; a non-nil
// error means the frame was corrupt. Either way the caller drops the frame
// and continues - a single bad frame never aborts ingestion.
func (d *Decoder) Decode(frame []byte) (map[string]types.Aircraft, error) {
	payload := frame
	if bytes.HasPrefix(frame, gzipMagic) {
		zr, err := gzip.NewReader(bytes.NewReader(frame))
		if err != nil {
			return nil, errors.WrapInvalid(err, "decoder", "Decode", "gzip header parsing")
		}
		payload, err = io.ReadAll(zr)
		closeErr := zr.Close()
		if err != nil {
			return nil, errors.WrapInvalid(err, "decoder", "Decode", "gzip decompression")
		}
		if closeErr != nil {
			return nil, errors.WrapInvalid(closeErr, "decoder", "Decode", "gzip checksum validation")
		}
	}

	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, nil
	}

	var records map[string]types.Aircraft
	if err := json.Unmarshal(payload, &records); err != nil {
		return nil, errors.WrapInvalid(err, "decoder", "Decode", "json parsing")
	}
	if len(records) == 0 {
		return nil, nil
	}

	// Normalize identity: prefer the record's adshex field, fall back to the
	// payload map key so every emitted record has a stable non-empty key.
	for key, ac := range records {
		if ac.AdsHex == "" {
			ac.AdsHex = key
			records[key] = ac
		}
	}

	return records, nil
}
