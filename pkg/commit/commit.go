// Package commit defines the immutable record produced by the executor for
// every applied Raft log entry.
package commit

import "github.com/meridianio/meridian/pkg/types"

// SessionView is the narrow slice of ServerSession a Commit exposes to
// handlers, avoiding a dependency from this package onto pkg/session
// (which in turn depends on commit for its out-of-order pending-commit
// buffer).
type SessionView interface {
	ID() uint64
}

// Decoder decodes a raw payload into a typed value, used by Map.
type Decoder func([]byte) (interface{}, error)

// Commit is produced by the executor when a Raft log entry is applied.
// It is value-like: retaining it past the handler call is permitted, but
// the retaining code owns the obligation to Close it (releasing any
// pinned log-compaction headroom) once done.
type Commit struct {
	index     uint64
	session   SessionView
	timeMs    int64
	operation types.Operation
	closed    bool
	onClose   func()
}

// New constructs a Commit. onClose, if non-nil, is invoked exactly once by
// Close and lets the executor track outstanding retained commits for log
// compaction.
func New(index uint64, session SessionView, timeMs int64, op types.Operation, onClose func()) *Commit {
	return &Commit{
		index:     index,
		session:   session,
		timeMs:    timeMs,
		operation: op,
		onClose:   onClose,
	}
}

func (c *Commit) Index() uint64            { return c.index }
func (c *Commit) Session() SessionView     { return c.session }
func (c *Commit) Time() int64              { return c.timeMs }
func (c *Commit) Operation() types.Operation { return c.operation }
func (c *Commit) Value() []byte            { return c.operation.Payload }

// Mapped is a decoded view over a Commit's payload, produced by Map.
type Mapped struct {
	*Commit
	Decoded interface{}
}

// Map decodes the commit's payload and returns a view binding the decoded
// value alongside the original commit.
func (c *Commit) Map(decode Decoder) (*Mapped, error) {
	v, err := decode(c.operation.Payload)
	if err != nil {
		return nil, err
	}
	return &Mapped{Commit: c, Decoded: v}, nil
}

// MapToNull returns c itself, for handlers that care about the commit's
// occurrence, not its contents. The payload is not stripped: Value() on
// the result still returns it.
func (c *Commit) MapToNull() *Commit {
	return c
}

// Close releases any retained state. Failing to call it leaks
// log-compaction headroom but is not a correctness violation.
// Close is idempotent.
func (c *Commit) Close() {
	if c.closed {
		return
	}
	c.closed = true
	if c.onClose != nil {
		c.onClose()
	}
}
