package adapter

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/json"
	stdErrors "errors"
	"strconv"

	"github.com/gowebpki/jcs"

	claimerrors "github.com/mirkobrombin/go-claim/v1/errors"
)

// Codec defines methods for encoding and decoding stored values.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec implements Codec using encoding/json.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// CanonicalJSONCodec encodes values as RFC 8785 canonical JSON, so equal
// values always produce identical bytes regardless of map ordering.
type CanonicalJSONCodec struct{}

func (CanonicalJSONCodec) Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

func (CanonicalJSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// GobCodec implements Codec using encoding/gob.
type GobCodec struct{}

func (GobCodec) Marshal(v any) ([]byte, error) {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(v); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func (GobCodec) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func formatVersion(n uint64) string {
	return strconv.FormatUint(n, 10)
}

func mapContextErr(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return claimerrors.ErrTimeout
	}
	return err
}
