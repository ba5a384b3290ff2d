package schema

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDSource issues client idempotency ids.
type IDSource interface {
	NextID() string
}

// RandomIDs issues random v4 UUIDs.
type RandomIDs struct{}

func (RandomIDs) NextID() string {
	return uuid.NewString()
}

// SequenceIDs issues name-based UUIDs derived from a session name and a counter,
// so a replay with the same session yields the same ids.
type SequenceIDs struct {
	ns  uuid.UUID
	seq atomic.Uint64
}

// NewSequenceIDs creates a deterministic id source for session.
func NewSequenceIDs(session string) *SequenceIDs {
	return &SequenceIDs{ns: uuid.NewSHA1(uuid.NameSpaceOID, []byte(session))}
}

func (s *SequenceIDs) NextID() string {
	n := s.seq.Add(1)
	return uuid.NewSHA1(s.ns, []byte(strconv.FormatUint(n, 10))).String()
}
