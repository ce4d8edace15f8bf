package testutil

import (
	"fmt"
	"sync"
	"time"
)

// SequenceIDs generates predictable file ids for tests.
//
// Ids have the form "<prefix>_<n>" with n counting from 1, so golden output
// and assertions do not depend on random suffixes.
//
// Thread-safety: Generate is safe for concurrent use.
type SequenceIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceIDs creates a generator. If prefix is empty, "file" is used.
func NewSequenceIDs(prefix string) *SequenceIDs {
	if prefix == "" {
		prefix = "file"
	}
	return &SequenceIDs{prefix: prefix}
}

// Generate returns the next id. The timestamp is ignored; the signature
// matches blob.WithIDGenerator.
func (g *SequenceIDs) Generate(time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s_%d", g.prefix, g.n)
}
