// SPDX-License-Identifier: MPL-2.0

package repository

import (
	"encoding/binary"
	"time"

	"github.com/cespare/xxhash/v2"
)

type (
	// Option configures a repository constructor.
	Option func(*options)

	options struct {
		cacheSize int
	}
)

// WithChildCacheSize bounds the per-repository child caches.
func WithChildCacheSize(n int) Option {
	return func(o *options) { o.cacheSize = n }
}

func applyOptions(opts []Option) options {
	o := options{cacheSize: DefaultChildCacheSize}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Mix folds a sequence of values into a single checksum.
func Mix(values ...uint64) uint64 {
	d := xxhash.New()
	var buf [8]byte
	for _, v := range values {
		binary.LittleEndian.PutUint64(buf[:], v)
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}

func stampChecksum(mod time.Time, size int64) uint64 {
	return Mix(uint64(mod.UnixNano()), uint64(size)) //nolint:gosec // bit pattern only
}

func contentChecksum(b []byte) uint64 {
	sum := xxhash.Sum64(b)
	if sum == 0 {
		// Zero is reserved for missing content.
		sum = 1
	}
	return sum
}
