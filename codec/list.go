package codec

import (
	"fmt"

	"github.com/mattiaslevin/mardao/internal/wire"
)

// List encodes a slice element by element with Elem and frames the results.
// Cache-all snapshots use it so every value codec works for whole-kind entries.
type List[V any] struct {
	Elem Codec[V]
}

func (c List[V]) Encode(vs []V) ([]byte, error) {
	parts := make([][]byte, len(vs))
	for i, v := range vs {
		b, err := c.Elem.Encode(v)
		if err != nil {
			return nil, fmt.Errorf("codec: list element %d: %w", i, err)
		}
		parts[i] = b
	}
	return wire.EncodeList(parts), nil
}

func (c List[V]) Decode(b []byte) ([]V, error) {
	parts, err := wire.DecodeList(b)
	if err != nil {
		return nil, err
	}
	out := make([]V, len(parts))
	for i, p := range parts {
		v, err := c.Elem.Decode(p)
		if err != nil {
			return nil, fmt.Errorf("codec: list element %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}
