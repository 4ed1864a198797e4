// Package idgen mints the identifiers used across the gateway: cache
// generations, journal events, trace IDs and websocket clients.
//
// Everything is a Generator so constructors can take one and tests can pin
// the output with Sequence.
package idgen

import (
	"crypto/rand"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// NanoID returns a Generator of random lowercase base-36 strings of length n.
// Bytes at or above the largest multiple of 36 are discarded so every symbol
// is equally likely.
func NanoID(n int) Generator {
	const limit = 256 - 256%len(base36)
	return func() string {
		out := make([]byte, 0, n)
		var buf [32]byte
		for len(out) < n {
			if _, err := rand.Read(buf[:]); err != nil {
				panic("idgen: reading random bytes: " + err.Error())
			}
			for _, b := range buf {
				if int(b) >= limit {
					continue
				}
				out = append(out, base36[int(b)%len(base36)])
				if len(out) == n {
					break
				}
			}
		}
		return string(out)
	}
}

// UUIDv7 returns a Generator of time-ordered RFC 9562 UUIDs.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed tags every ID from gen, e.g. "evt_" or "cli_".
func Prefixed(prefix string, gen Generator) Generator {
	return func() string { return prefix + gen() }
}

// Timestamped prefixes the UTC minting time so that generation IDs sort by
// build time and can be read at a glance: 20261018T090000Z_k3f9aa.
func Timestamped(gen Generator) Generator {
	return func() string {
		return time.Now().UTC().Format(stampLayout) + "_" + gen()
	}
}

const stampLayout = "20060102T150405Z"

// Sequence is a deterministic Generator for tests: prefix1, prefix2, ...
func Sequence(prefix string) Generator {
	var n atomic.Int64
	return func() string {
		return prefix + strconv.FormatInt(n.Add(1), 10)
	}
}

var (
	// Generation mints cache generation identifiers.
	Generation Generator = Timestamped(NanoID(6))
	// Default backs journal event IDs.
	Default Generator = UUIDv7()
)

// ValidGeneration reports whether s is acceptable as a generation label:
// 1 to 64 bytes of [A-Za-z0-9._-].
func ValidGeneration(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	return !strings.ContainsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '.' || r == '_' || r == '-')
	})
}
