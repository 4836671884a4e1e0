// Package geo buckets coordinates into fixed-size cells at a small set of
// resolutions and measures distances between points.
//
// A resolution of b bits splits latitude and longitude into 2^b bands each.
// Hashes carry their resolution, so the same cell index at two resolutions
// never produces the same hash.
package geo

import (
	"math"
)

// MaxBits is the finest resolution a hash can encode.
const MaxBits = 26

const earthRadius = 6371008.8 // metres, mean

type Point struct {
	Lat, Lng float64
}

// cell returns the latitude and longitude band of a point, and where the
// point sits inside its cell as fractions in [0, 1).
func cell(lat, lng float64, bits int) (latIdx, lngIdx int64, latFrac, lngFrac float64) {
	n := float64(int64(1) << bits)

	y := (clampLat(lat) + 90) / 180 * n
	latIdx = int64(math.Floor(y))
	if latIdx >= int64(n) {
		latIdx = int64(n) - 1
	}
	latFrac = y - float64(latIdx)

	x := (normLng(lng) + 180) / 360 * n
	lngIdx = int64(math.Floor(x))
	if lngIdx >= int64(n) {
		lngIdx = 0
	}
	lngFrac = x - math.Floor(x)
	return
}

func pack(bits int, latIdx, lngIdx int64) int64 {
	return int64(bits)<<(2*MaxBits) | latIdx<<bits | lngIdx
}

// Hash returns the cell containing (lat, lng) at the given resolution.
// bits must be in 1..MaxBits; Hasher enforces that for callers.
func Hash(lat, lng float64, bits int) int64 {
	la, ln, _, _ := cell(lat, lng, bits)
	return pack(bits, la, ln)
}

// Tuple returns the cell containing (lat, lng) plus the cells across the
// nearest latitude and longitude edges, and the cell diagonal to both. A point
// near a border is then found by a query on either side of it. Longitude
// wraps at the antimeridian; there are no cells beyond the poles.
func Tuple(lat, lng float64, bits int) []int64 {
	la, ln, fy, fx := cell(lat, lng, bits)
	n := int64(1) << bits

	dLat := int64(1)
	if fy < 0.5 {
		dLat = -1
	}
	dLng := int64(1)
	if fx < 0.5 {
		dLng = -1
	}
	nla := la + dLat
	nln := ((ln+dLng)%n + n) % n

	out := []int64{pack(bits, la, ln)}
	add := func(h int64) {
		for _, e := range out {
			if e == h {
				return
			}
		}
		out = append(out, h)
	}
	add(pack(bits, la, nln))
	if nla >= 0 && nla < n {
		add(pack(bits, nla, ln))
		add(pack(bits, nla, nln))
	}
	return out
}

// Bits extracts the resolution a hash was computed at.
func Bits(hash int64) int {
	return int(hash >> (2 * MaxBits))
}

// Distance is the great-circle distance between a and b in metres.
func Distance(a, b Point) float64 {
	φ1, φ2 := radians(a.Lat), radians(b.Lat)
	dφ := φ2 - φ1
	dλ := radians(b.Lng - a.Lng)
	h := math.Sin(dφ/2)*math.Sin(dφ/2) + math.Cos(φ1)*math.Cos(φ2)*math.Sin(dλ/2)*math.Sin(dλ/2)
	return 2 * earthRadius * math.Asin(math.Min(1, math.Sqrt(h)))
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

func clampLat(lat float64) float64 {
	return math.Max(-90, math.Min(90, lat))
}

func normLng(lng float64) float64 {
	lng = math.Mod(lng+180, 360)
	if lng < 0 {
		lng += 360
	}
	return lng - 180
}
