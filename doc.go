// Package mardao is a generic data-access object over pluggable stores, with
// a two-tier object cache and a geobox-bucketed proximity search.
//
// A Dao[T, ID] is configured with a Mapper describing how a domain type T maps
// to store records:
//
//	m := mardao.Mapper[*User, int64]{
//		Kind:         "User",
//		New:          func() *User { return &User{} },
//		SimpleKey:    func(u *User) int64 { return u.ID },
//		SetSimpleKey: func(u *User, id int64) { u.ID = id },
//		Columns: []mardao.Column[*User]{
//			mardao.Field("displayName", func(u *User) string { return u.DisplayName },
//				func(u *User, v string) { u.DisplayName = v }),
//		},
//	}
//	dao, err := mardao.New(m, memstore.New(), mardao.Options[*User]{
//		Provider:      rp, // any provider.Provider
//		CacheEntities: true,
//	})
//
// Caches:
//
//   - entity cache: one entry per primary key, replaced on persist and
//     invalidated on delete. QueryByPrimaryKeys reads through it.
//   - cache-all: one entry holding every entity of the kind, invalidated by any
//     persist or delete. QueryAll reads through it.
//
// A cache backend outage disables both caches for the rest of the process; the
// store stays the source of truth. Store errors are returned unchanged.
//
// Audit fields are stamped with the principal carried by the context
// (WithPrincipal), or Anonymous when none is set.
package mardao
