// Package idgen generates the identifiers stored in the pipeline tables.
//
// IDs are UUIDv7 (time-sortable) behind a short type prefix so that a
// bare ID in a log line tells which table it belongs to.
package idgen

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// Table prefixes.
const (
	SourcePrefix = "src_"
	PagePrefix   = "pg_"
	JobPrefix    = "job_"
	ChunkPrefix  = "chk_"
)

// UUIDv7 returns a Generator of RFC 9562 version 7 UUIDs.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends prefix to every ID produced by gen.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is used by New.
var Default Generator = UUIDv7()

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// Source, Page, Job and Chunk return prefixed IDs for their tables.
func Source() string { return SourcePrefix + Default() }
func Page() string   { return PagePrefix + Default() }
func Job() string    { return JobPrefix + Default() }
func Chunk() string  { return ChunkPrefix + Default() }

// Parse validates a prefixed or bare UUID and returns its UUID part.
func Parse(id string) (string, error) {
	raw := id
	if i := strings.IndexByte(id, '_'); i >= 0 {
		raw = id[i+1:]
	}
	u, err := uuid.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("idgen: invalid id %q: %w", id, err)
	}
	return u.String(), nil
}
