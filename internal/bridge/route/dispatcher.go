package route

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Forwarder delivers a classified event to the owning agent's runtime.
// Implemented by the composition root.
type Forwarder interface {
	Forward(ctx context.Context, verdict *Verdict, evt *event.Event) error
}

// Dispatcher fans classified events out to per-room queues. Each room has a
// single consumer, so forwards within a room happen in submission (origin_ts)
// order; rooms proceed fully in parallel. A full queue drops the event and
// counts the overflow rather than blocking the sync loop.
type Dispatcher struct {
	classifier *Classifier
	forwarder  Forwarder
	queueSize  int

	mu     sync.Mutex
	queues map[id.RoomID]chan *event.Event
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	dropped   atomic.Int64
	forwarded atomic.Int64
	overflow  atomic.Int64
	failed    atomic.Int64
}

// NewDispatcher creates a Dispatcher with the given per-room queue bound.
func NewDispatcher(classifier *Classifier, forwarder Forwarder, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 32
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		classifier: classifier,
		forwarder:  forwarder,
		queueSize:  queueSize,
		queues:     make(map[id.RoomID]chan *event.Event),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// HandleBatch enqueues a sync batch. It satisfies the syncer's BatchHandler
// and never blocks on slow rooms.
func (d *Dispatcher) HandleBatch(ctx context.Context, events []*event.Event) error {
	for _, evt := range events {
		d.enqueue(evt)
	}
	return nil
}

func (d *Dispatcher) enqueue(evt *event.Event) {
	d.mu.Lock()
	q, ok := d.queues[evt.RoomID]
	if !ok {
		q = make(chan *event.Event, d.queueSize)
		d.queues[evt.RoomID] = q
		d.wg.Add(1)
		go d.consume(evt.RoomID, q)
	}
	d.mu.Unlock()

	select {
	case q <- evt:
	default:
		d.overflow.Add(1)
		slog.Warn("room queue full, dropping event",
			"room_id", evt.RoomID, "event_id", evt.ID)
	}
}

func (d *Dispatcher) consume(roomID id.RoomID, q chan *event.Event) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case evt := <-q:
			d.process(evt)
		}
	}
}

func (d *Dispatcher) process(evt *event.Event) {
	verdict, err := d.classifier.Classify(d.ctx, evt, 0)
	if err != nil {
		slog.Error("classification failed", "event_id", evt.ID, "err", err)
		return
	}
	if verdict.Decision == DecisionDrop {
		d.dropped.Add(1)
		slog.Debug("event dropped", "event_id", evt.ID, "reason", verdict.Reason)
		return
	}

	if err := d.forwarder.Forward(d.ctx, verdict, evt); err != nil {
		d.failed.Add(1)
		slog.Error("forward failed",
			"event_id", evt.ID, "room_id", evt.RoomID,
			"agent_id", verdict.Owner.AgentID, "err", err)
		return
	}
	d.forwarded.Add(1)
}

// Stop cancels all room consumers and waits for them to exit.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
}

// Stats reports counters for the health surface. Failed counts forwards the
// runtime rejected past the retry budget; those events are not retried.
func (d *Dispatcher) Stats() (forwarded, dropped, overflow, failed int64) {
	return d.forwarded.Load(), d.dropped.Load(), d.overflow.Load(), d.failed.Load()
}
