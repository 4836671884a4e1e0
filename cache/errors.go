package cache

import "fmt"

// InvalidateError is returned when neither the generation bump nor the
// delete of an entry succeeded, so a stale value may still be served until
// its TTL runs out. Either step alone is enough to fence the entry.
type InvalidateError struct {
	Key     string
	BumpErr error
	DelErr  error
}

func (e *InvalidateError) Error() string {
	return fmt.Sprintf("cache: invalidate %q: bump: %v; delete: %v", e.Key, e.BumpErr, e.DelErr)
}

func (e *InvalidateError) Unwrap() []error {
	var errs []error
	for _, err := range []error{e.BumpErr, e.DelErr} {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
