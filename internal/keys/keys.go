// Package keys derives provider storage keys.
package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// BulkSorted returns a deterministic composite key over members that are
// already sorted ascending.
func BulkSorted(prefix string, sorted []string) string {
	sum := sha256.Sum256([]byte(strings.Join(sorted, ",")))
	return fmt.Sprintf("%s:%x", prefix, sum[:8]) // prefix + ":" + first 16 hex chars
}

// Bulk sorts a copy of members and returns BulkSorted over it.
func Bulk(prefix string, members []string) string {
	s := make([]string, len(members))
	copy(s, members)
	sort.Strings(s)
	return BulkSorted(prefix, s)
}

// Fit returns key unchanged when it is at most limit bytes of printable,
// non-space ASCII. Otherwise it keeps a readable head and replaces the rest
// with a hash, so the result is at most limit bytes and stable for a given key.
func Fit(key string, limit int) string {
	if len(key) <= limit && plain(key) {
		return key
	}
	sum := sha256.Sum256([]byte(key))
	tail := "#" + hex.EncodeToString(sum[:16])
	head := sanitize(key)
	if keep := limit - len(tail); keep < len(head) {
		head = head[:max(keep, 0)]
	}
	return head + tail
}

func plain(s string) bool {
	for i := 0; i < len(s); i++ {
		if c := s[i]; c <= ' ' || c >= 0x7f {
			return false
		}
	}
	return true
}

func sanitize(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= ' ' || c >= 0x7f {
			c = '_'
		}
		sb.WriteByte(c)
	}
	return sb.String()
}
