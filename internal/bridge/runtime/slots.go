package runtime

import (
	"context"
	"errors"
	"sync"
)

// ErrConversationBusy is returned when a conversation's in-flight slot and
// wait queue are both full.
var ErrConversationBusy = errors.New("conversation busy")

// slotTable enforces the per-conversation concurrency contract: a bounded
// number of in-flight sends, a bounded wait queue, fail-fast beyond that.
type slotTable struct {
	maxConcurrent int
	queueDepth    int

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	sem     chan struct{}
	waiting int
}

func newSlotTable(maxConcurrent, queueDepth int) *slotTable {
	return &slotTable{
		maxConcurrent: maxConcurrent,
		queueDepth:    queueDepth,
		slots:         make(map[string]*slot),
	}
}

// Acquire claims a send slot for the conversation, queueing when the slot is
// taken. The returned func releases the slot.
func (t *slotTable) Acquire(ctx context.Context, conversationID string) (func(), error) {
	t.mu.Lock()
	sl, ok := t.slots[conversationID]
	if !ok {
		sl = &slot{sem: make(chan struct{}, t.maxConcurrent)}
		t.slots[conversationID] = sl
	}
	// Fast path: a free slot means no queueing at all.
	select {
	case sl.sem <- struct{}{}:
		t.mu.Unlock()
		return func() { t.releaseSlot(conversationID, sl) }, nil
	default:
	}
	if sl.waiting >= t.queueDepth {
		t.mu.Unlock()
		return nil, ErrConversationBusy
	}
	sl.waiting++
	t.mu.Unlock()

	select {
	case sl.sem <- struct{}{}:
		t.mu.Lock()
		sl.waiting--
		t.mu.Unlock()
		return func() { t.releaseSlot(conversationID, sl) }, nil
	case <-ctx.Done():
		t.mu.Lock()
		sl.waiting--
		t.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (t *slotTable) releaseSlot(conversationID string, sl *slot) {
	<-sl.sem
	t.mu.Lock()
	// Drop idle entries so the table does not grow with conversation churn.
	if len(sl.sem) == 0 && sl.waiting == 0 {
		delete(t.slots, conversationID)
	}
	t.mu.Unlock()
}
