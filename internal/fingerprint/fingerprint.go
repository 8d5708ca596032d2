// Package fingerprint computes a deterministic string over an
// upstream specification such that any semantic change (command, args
// order, env keys/values, headers, url, cwd) changes the fingerprint.
// It is the cache key internal/stdiopool keys its child-process
// entries on.
//
// Grounded on the pack's use of a fast non-cryptographic hash for
// cache keys (Sentinel-Gate, not the donor, uses xxhash for its
// content-addressed cache); canonical serialization here sorts every
// map by key so Go's randomized map iteration order never leaks into
// the hash.
package fingerprint

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/mcpx/gateway/internal/config"
)

// Of returns a 16-hex-digit xxhash64 over a canonical byte
// serialization of every semantically significant field of u.
func Of(u config.Upstream) string {
	var b strings.Builder
	b.WriteString(string(u.Transport))
	b.WriteByte('\n')
	b.WriteString(u.URL)
	b.WriteByte('\n')
	writeSortedMap(&b, u.Headers)
	b.WriteString(u.Command)
	b.WriteByte('\n')
	for _, a := range u.Args {
		b.WriteString(a)
		b.WriteByte('\x1f')
	}
	b.WriteByte('\n')
	writeSortedMap(&b, u.Env)
	b.WriteString(u.Cwd)

	sum := xxhash.Sum64String(b.String())
	return fmt.Sprintf("%016x", sum)
}

// writeSortedMap appends key/value pairs in sorted-key order so map
// iteration randomization never changes the fingerprint.
func writeSortedMap(b *strings.Builder, m map[string]string) {
	if len(m) == 0 {
		b.WriteByte('\n')
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('\x1e')
		b.WriteString(m[k])
		b.WriteByte('\x1f')
	}
	b.WriteByte('\n')
}
