package store

import "sync"

// pendingRedactionCap bounds the in-memory buffer of redactions that
// arrived before their target comment did. spec.md §4.B: "buffered
// in-memory (bounded FIFO, drops oldest on overflow)".
const pendingRedactionCap = 4096

// redactionBuffer is a bounded FIFO keyed by target event id, grounded on
// the drop-oldest-on-overflow discipline of other_examples'
// nugget-thane-ai-agent event bus (there applied to subscriber channels;
// here applied to a pending-redaction queue instead of a pub/sub fan-out).
type redactionBuffer struct {
	mu    sync.Mutex
	order []string
	set   map[string]struct{}
}

func newRedactionBuffer() *redactionBuffer {
	return &redactionBuffer{set: make(map[string]struct{})}
}

// Add records that targetID has been redacted before it was ever
// projected. Idempotent: re-adding an already-pending target is a no-op.
func (b *redactionBuffer) Add(targetID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.set[targetID]; exists {
		return
	}
	if len(b.order) >= pendingRedactionCap {
		oldest := b.order[0]
		b.order = b.order[1:]
		delete(b.set, oldest)
	}
	b.order = append(b.order, targetID)
	b.set[targetID] = struct{}{}
}

// TakeIfPending removes targetID from the buffer and reports whether it was
// present, so the caller can apply the deferred redaction exactly once.
func (b *redactionBuffer) TakeIfPending(targetID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.set[targetID]; !exists {
		return false
	}
	delete(b.set, targetID)
	for i, id := range b.order {
		if id == targetID {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return true
}
