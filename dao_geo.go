package mardao

import (
	"context"
	"fmt"
	"slices"

	"github.com/mattiaslevin/mardao/geo"
	"github.com/mattiaslevin/mardao/store"
)

// nearestCeiling bounds the candidates FindNearest collects when no limit is set.
const nearestCeiling = 10000

// NearestQuery shapes a FindNearest call. Orders and Filters are passed to
// every geobox query.
type NearestQuery struct {
	Parent  *store.Key
	Orders  []store.Order
	Filters []store.Filter
	Offset  int
	Limit   int // <= 0 => up to Offset+nearestCeiling candidates
}

func (d *Dao[T, ID]) boxFilter(lat, lng float64, bits int) (store.Filter, error) {
	if d.m.Location == nil {
		return store.Filter{}, fmt.Errorf("%w: %s mapper has no location accessor", ErrInvalidArgument, d.m.Kind)
	}
	h, err := d.hasher.Hash(lat, lng, bits)
	if err != nil {
		return store.Filter{}, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return store.Eq(d.m.geoboxesColumn(), h), nil
}

// QueryInGeobox pages through the entities in the cell containing (lat, lng)
// at resolution bits, which must be one of the configured resolutions. An
// entity near a cell border is in the cells on both sides of it.
func (d *Dao[T, ID]) QueryInGeobox(ctx context.Context, lat, lng float64, bits int, pq PageQuery) (*Page[T, ID], error) {
	f, err := d.boxFilter(lat, lng, bits)
	if err != nil {
		return nil, err
	}
	pq.Filters = append(slices.Clip(pq.Filters), f)
	return d.QueryPage(ctx, pq)
}

type candidate[T any] struct {
	dist float64
	v    T
}

// FindNearest returns entities ordered by distance from (lat, lng), sliced to
// [Offset, Offset+Limit).
//
// It queries one geobox per resolution, coarse to fine, each capped at Limit,
// and stops once Offset+Limit distinct candidates are collected. The result is
// approximate: a finer cell can be cut off by the cap before entities closer
// than ones already found are seen. Equal distances keep discovery order.
func (d *Dao[T, ID]) FindNearest(ctx context.Context, lat, lng float64, nq NearestQuery) ([]T, error) {
	if nq.Offset < 0 {
		return nil, fmt.Errorf("%w: negative offset %d", ErrInvalidArgument, nq.Offset)
	}
	capPer, target := nq.Limit, nq.Offset+nq.Limit
	if nq.Limit <= 0 {
		target = nq.Offset + nearestCeiling
		capPer = target
	}
	origin := geo.Point{Lat: lat, Lng: lng}

	seen := make(map[string]bool)
	var cands []candidate[T]
	for _, bits := range d.hasher.Resolutions() {
		f, err := d.boxFilter(lat, lng, bits)
		if err != nil {
			return nil, err
		}
		q, err := d.storeQuery(false, nq.Parent, nil, nq.Orders, append(slices.Clip(nq.Filters), f))
		if err != nil {
			return nil, err
		}
		q.Limit = capPer
		page, err := d.st.Query(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("mardao: query %s in geobox: %w", d.m.Kind, err)
		}
		for _, e := range d.mapRecords(page.Records) {
			enc := e.key.Encode()
			if seen[enc] {
				continue
			}
			p, ok := d.m.Location(e.v)
			if !ok {
				continue
			}
			seen[enc] = true
			cands = append(cands, candidate[T]{dist: geo.Distance(origin, p), v: e.v})
		}
		if len(cands) >= target {
			break
		}
	}

	slices.SortStableFunc(cands, func(a, b candidate[T]) int {
		switch {
		case a.dist < b.dist:
			return -1
		case a.dist > b.dist:
			return 1
		}
		return 0
	})
	if nq.Offset >= len(cands) {
		return []T{}, nil
	}
	end := len(cands)
	if nq.Limit > 0 && nq.Offset+nq.Limit < end {
		end = nq.Offset + nq.Limit
	}
	out := make([]T, 0, end-nq.Offset)
	for _, c := range cands[nq.Offset:end] {
		out = append(out, c.v)
	}
	return out, nil
}
