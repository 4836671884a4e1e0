package geo

import (
	"errors"
	"fmt"
	"slices"
)

// ErrResolution is returned for a resolution outside 1..MaxBits or one the
// Hasher was not configured with.
var ErrResolution = errors.New("geo: unsupported resolution")

// Resolutions used when none are configured: roughly 10 km, 1.2 km and 150 m cells.
var DefaultResolutions = []int{12, 15, 18}

// Hasher computes hashes over a fixed set of resolutions, ordered coarse to fine.
type Hasher struct {
	bits []int
}

func NewHasher(bits ...int) (*Hasher, error) {
	if len(bits) == 0 {
		bits = DefaultResolutions
	}
	sorted := slices.Clone(bits)
	slices.Sort(sorted)
	for i, b := range sorted {
		if b < 1 || b > MaxBits {
			return nil, fmt.Errorf("%w: %d bits", ErrResolution, b)
		}
		if i > 0 && sorted[i-1] == b {
			return nil, fmt.Errorf("%w: %d bits listed twice", ErrResolution, b)
		}
	}
	return &Hasher{bits: sorted}, nil
}

// MustHasher is NewHasher that panics on error.
func MustHasher(bits ...int) *Hasher {
	h, err := NewHasher(bits...)
	if err != nil {
		panic(err)
	}
	return h
}

// Resolutions returns the configured resolutions, coarse first.
func (h *Hasher) Resolutions() []int {
	return slices.Clone(h.bits)
}

func (h *Hasher) Has(bits int) bool {
	_, ok := slices.BinarySearch(h.bits, bits)
	return ok
}

func (h *Hasher) check(bits int) error {
	if !h.Has(bits) {
		return fmt.Errorf("%w: %d bits not in %v", ErrResolution, bits, h.bits)
	}
	return nil
}

func (h *Hasher) Hash(lat, lng float64, bits int) (int64, error) {
	if err := h.check(bits); err != nil {
		return 0, err
	}
	return Hash(lat, lng, bits), nil
}

func (h *Hasher) Tuple(lat, lng float64, bits int) ([]int64, error) {
	if err := h.check(bits); err != nil {
		return nil, err
	}
	return Tuple(lat, lng, bits), nil
}

// Boxes is every tuple of p across all configured resolutions.
func (h *Hasher) Boxes(p Point) []int64 {
	out := make([]int64, 0, 4*len(h.bits))
	for _, b := range h.bits {
		out = append(out, Tuple(p.Lat, p.Lng, b)...)
	}
	return out
}
