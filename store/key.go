package store

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Key identifies a record. A key carries either an integer ID or a string
// Name; a key with neither is incomplete and gets allocated by the store on Put.
// Parent forms the ancestor path.
type Key struct {
	Kind   string
	ID     int64
	Name   string
	Parent *Key
}

func IDKey(kind string, id int64, parent *Key) *Key {
	return &Key{Kind: kind, ID: id, Parent: parent}
}

func NameKey(kind, name string, parent *Key) *Key {
	return &Key{Kind: kind, Name: name, Parent: parent}
}

func IncompleteKey(kind string, parent *Key) *Key {
	return &Key{Kind: kind, Parent: parent}
}

// Incomplete reports whether the key still needs an ID or Name.
func (k *Key) Incomplete() bool {
	return k.ID == 0 && k.Name == ""
}

// Equal compares the whole ancestor path.
func (k *Key) Equal(o *Key) bool {
	for k != nil && o != nil {
		if k.Kind != o.Kind || k.ID != o.ID || k.Name != o.Name {
			return false
		}
		k, o = k.Parent, o.Parent
	}
	return k == nil && o == nil
}

// HasAncestor reports whether a is k itself or one of its ancestors.
func (k *Key) HasAncestor(a *Key) bool {
	for p := k; p != nil; p = p.Parent {
		if p.Equal(a) {
			return true
		}
	}
	return false
}

// Encode renders the key path root first as kind:iID or kind:nNAME segments
// joined by '/'. Kinds and names are query-escaped, so the output contains
// neither spaces nor unescaped separators.
func (k *Key) Encode() string {
	if k == nil {
		return ""
	}
	var sb strings.Builder
	for i, p := range k.path() {
		if i > 0 {
			sb.WriteByte('/')
		}
		sb.WriteString(url.QueryEscape(p.Kind))
		sb.WriteByte(':')
		if p.Name != "" {
			sb.WriteByte('n')
			sb.WriteString(url.QueryEscape(p.Name))
		} else {
			sb.WriteByte('i')
			sb.WriteString(strconv.FormatInt(p.ID, 10))
		}
	}
	return sb.String()
}

func (k *Key) String() string { return k.Encode() }

// DecodeKey parses the output of Encode. The empty string decodes to nil.
func DecodeKey(s string) (*Key, error) {
	if s == "" {
		return nil, nil
	}
	var parent *Key
	for _, seg := range strings.Split(s, "/") {
		kind, rest, ok := strings.Cut(seg, ":")
		if !ok || rest == "" {
			return nil, fmt.Errorf("store: malformed key segment %q", seg)
		}
		kk, err := url.QueryUnescape(kind)
		if err != nil {
			return nil, fmt.Errorf("store: malformed key kind %q: %w", kind, err)
		}
		k := &Key{Kind: kk, Parent: parent}
		switch rest[0] {
		case 'i':
			id, err := strconv.ParseInt(rest[1:], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("store: malformed key id %q: %w", rest, err)
			}
			k.ID = id
		case 'n':
			name, err := url.QueryUnescape(rest[1:])
			if err != nil {
				return nil, fmt.Errorf("store: malformed key name %q: %w", rest, err)
			}
			k.Name = name
		default:
			return nil, fmt.Errorf("store: malformed key segment %q", seg)
		}
		parent = k
	}
	return parent, nil
}

// CompareKeys orders keys by path from the root: kind, then integer IDs
// before names, IDs numerically, names lexically. A key sorts right after
// its ancestors.
func CompareKeys(a, b *Key) int {
	pa, pb := a.path(), b.path()
	for i := 0; i < len(pa) && i < len(pb); i++ {
		if c := compareSegment(pa[i], pb[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(pa) < len(pb):
		return -1
	case len(pa) > len(pb):
		return 1
	}
	return 0
}

func compareSegment(a, b *Key) int {
	if c := strings.Compare(a.Kind, b.Kind); c != 0 {
		return c
	}
	an, bn := a.Name != "", b.Name != ""
	switch {
	case !an && bn:
		return -1
	case an && !bn:
		return 1
	case an && bn:
		return strings.Compare(a.Name, b.Name)
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}

func (k *Key) path() []*Key {
	var out []*Key
	for p := k; p != nil; p = p.Parent {
		out = append(out, p)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
