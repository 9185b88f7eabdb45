package gateway

import (
	"context"
	"fmt"
	"testing"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

type fakeCreds struct {
	tokens map[string]string
}

func (f *fakeCreds) Lookup(ctx context.Context, agentID string) (id.UserID, string, string, string, error) {
	localpart := "agent_" + agentID
	return id.UserID("@" + localpart + ":example.org"), localpart, "syt_" + agentID, "seed-" + agentID, nil
}

func (f *fakeCreds) StoreToken(ctx context.Context, agentID, token string) error {
	if f.tokens == nil {
		f.tokens = make(map[string]string)
	}
	f.tokens[agentID] = token
	return nil
}

func newTestPool(t *testing.T, cfg PoolConfig) *Pool {
	t.Helper()
	gw := New("http://localhost:8008", "example.org", "")
	return NewPool(gw, &fakeCreds{}, cfg)
}

func TestPoolCachesSessions(t *testing.T) {
	p := newTestPool(t, PoolConfig{SendRatePerSecond: 1000})
	ctx := context.Background()

	a, err := p.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	b, err := p.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("Get again: %v", err)
	}
	if a != b {
		t.Error("expected the same session instance")
	}
	if a.UserID() != "@agent_a1:example.org" {
		t.Errorf("UserID: got %q", a.UserID())
	}
}

func TestPoolEvictsLRU(t *testing.T) {
	p := newTestPool(t, PoolConfig{SendRatePerSecond: 1000, MaxSessions: 2})
	ctx := context.Background()

	for _, agentID := range []string{"a1", "a2", "a3"} {
		if _, err := p.Get(ctx, agentID); err != nil {
			t.Fatalf("Get(%s): %v", agentID, err)
		}
	}
	if p.Size() != 2 {
		t.Errorf("pool size: got %d, want 2", p.Size())
	}
}

func TestPoolDrop(t *testing.T) {
	p := newTestPool(t, PoolConfig{SendRatePerSecond: 1000})
	ctx := context.Background()

	if _, err := p.Get(ctx, "a1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	p.Drop("a1")
	if p.Size() != 0 {
		t.Errorf("pool size after drop: got %d", p.Size())
	}
}

func TestSessionDoRetriesRateLimit(t *testing.T) {
	p := newTestPool(t, PoolConfig{SendRatePerSecond: 1000, RateLimitMaxRetries: 3})
	ctx := context.Background()

	s, err := p.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	limited := mautrix.MLimitExceeded
	limited.ExtraData = map[string]any{"retry_after_ms": float64(5)}

	calls := 0
	err = s.Do(ctx, "send", func(ctx context.Context, c *mautrix.Client) error {
		calls++
		if calls < 3 {
			return mautrix.HTTPError{RespError: &limited}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls: got %d, want 3", calls)
	}
}

func TestSessionDoBoundsRateLimitRetries(t *testing.T) {
	p := newTestPool(t, PoolConfig{SendRatePerSecond: 1000, RateLimitMaxRetries: 1})
	ctx := context.Background()

	s, err := p.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	limited := mautrix.MLimitExceeded
	limited.ExtraData = map[string]any{"retry_after_ms": float64(1)}

	calls := 0
	err = s.Do(ctx, "send", func(ctx context.Context, c *mautrix.Client) error {
		calls++
		return mautrix.HTTPError{RespError: &limited}
	})
	if KindOf(err) != KindRateLimited {
		t.Errorf("expected rate-limited error, got %v", err)
	}
	if calls != 2 {
		t.Errorf("calls: got %d, want 2", calls)
	}
}

func TestSessionDoDoesNotRetryFatal(t *testing.T) {
	p := newTestPool(t, PoolConfig{SendRatePerSecond: 1000, RateLimitMaxRetries: 5})
	ctx := context.Background()

	s, err := p.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	calls := 0
	err = s.Do(ctx, "send", func(ctx context.Context, c *mautrix.Client) error {
		calls++
		forbidden := mautrix.MForbidden
		return mautrix.HTTPError{RespError: &forbidden}
	})
	if KindOf(err) != KindForbidden {
		t.Errorf("expected forbidden, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls: got %d, want 1", calls)
	}
}

func TestDerivePasswordDeterministic(t *testing.T) {
	a := DerivePassword("seed", "agent_x")
	b := DerivePassword("seed", "agent_x")
	if a != b {
		t.Error("derivation not deterministic")
	}
	if a == DerivePassword("seed", "agent_y") {
		t.Error("different localparts derived the same password")
	}
	if a == DerivePassword("other", "agent_x") {
		t.Error("different seeds derived the same password")
	}
}

func TestLockRoomSerializes(t *testing.T) {
	p := newTestPool(t, PoolConfig{SendRatePerSecond: 1000})
	ctx := context.Background()

	s, err := p.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	room := id.RoomID("!r:example.org")
	var order []int
	done := make(chan struct{})

	unlock := s.LockRoom(room)
	go func() {
		u := s.LockRoom(room)
		order = append(order, 2)
		u()
		close(done)
	}()
	order = append(order, 1)
	unlock()
	<-done

	if fmt.Sprint(order) != "[1 2]" {
		t.Errorf("order: got %v", order)
	}
}
