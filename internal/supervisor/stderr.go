// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"strings"
	"sync"
)

// cappedBuffer keeps the first limit bytes written to it and counts the rest.
type cappedBuffer struct {
	mu        sync.Mutex
	limit     int
	buf       strings.Builder
	discarded int
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.limit - b.buf.Len()
	switch {
	case room <= 0:
		b.discarded += len(p)
	case len(p) > room:
		b.buf.Write(p[:room])
		b.discarded += len(p) - room
	default:
		b.buf.Write(p)
	}
	return len(p), nil
}

// String returns the kept bytes without surrounding whitespace.
func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(b.buf.String())
}

func (b *cappedBuffer) Discarded() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.discarded
}
