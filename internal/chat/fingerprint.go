package chat

import (
	"strconv"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint is the cache validator for the whole store. It detects change;
// it is not a cryptographic digest.
type Fingerprint struct {
	value atomic.Value // string
}

// Recompute hashes the serialized store and replaces the current value.
func (f *Fingerprint) Recompute(serialized []byte) string {
	v := strconv.FormatUint(xxhash.Sum64(serialized), 16)
	f.value.Store(v)
	return v
}

// Value returns the current fingerprint, or "" before the first Recompute.
func (f *Fingerprint) Value() string {
	v, _ := f.value.Load().(string)
	return v
}

// Matches reports whether validator is exactly the current fingerprint.
func (f *Fingerprint) Matches(validator string) bool {
	current := f.Value()
	return current != "" && validator == current
}
