// Package idgen produces the identifiers stored by the media server: action
// records, queue jobs and business events. Constructors accept a Generator so
// tests can swap in deterministic ids.
package idgen

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator of RFC 9562 version 7 UUIDs. They sort by
// creation time, which keeps action records in request order on disk.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends a fixed type prefix ("act_", "evt_") to every id.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Sequence returns a Generator of "<prefix>1", "<prefix>2", ... for tests.
func Sequence(prefix string) Generator {
	var n atomic.Int64
	return func() string {
		return prefix + strconv.FormatInt(n.Add(1), 10)
	}
}

// Default is UUIDv7.
var Default Generator = UUIDv7()

// Action ids identify persisted action records.
var Action = Prefixed("act_", Default)

// Event ids identify business event rows.
var Event = Prefixed("evt_", Default)

// Request ids tag HTTP requests and MCP tool calls in logs.
var Request = Prefixed("req_", Default)
