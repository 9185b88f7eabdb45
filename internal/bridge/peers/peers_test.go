package peers

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/kmoroz/tsunagi/internal/bridge/store"
)

func newTestRegistry(t *testing.T, ttl time.Duration) (*Registry, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, ttl), st
}

func TestRegisterAssignsSessionID(t *testing.T) {
	r, _ := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	reg, err := r.Register(ctx, &store.PeerRegistration{
		Directory:  "/work/project",
		ListenPort: 4091,
		Rooms:      []string{"!r1:example.org"},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if reg.SessionID == "" {
		t.Fatal("no session id assigned")
	}

	got, err := r.Get(ctx, reg.SessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Directory != "/work/project" || got.ListenPort != 4091 {
		t.Errorf("registration: %+v", got)
	}
}

func TestRegisterRefreshesExisting(t *testing.T) {
	r, _ := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	reg, err := r.Register(ctx, &store.PeerRegistration{SessionID: "sess-1", Directory: "/a"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := r.Register(ctx, &store.PeerRegistration{SessionID: "sess-1", Directory: "/b"}); err != nil {
		t.Fatalf("re-Register: %v", err)
	}

	got, err := r.Get(ctx, reg.SessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Directory != "/b" {
		t.Errorf("Directory: got %q", got.Directory)
	}

	peers, err := r.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(peers) != 1 {
		t.Errorf("peers: got %d", len(peers))
	}
}

func TestExpiredLeaseHidden(t *testing.T) {
	r, st := newTestRegistry(t, 50*time.Millisecond)
	ctx := context.Background()

	if _, err := r.Register(ctx, &store.PeerRegistration{SessionID: "sess-1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	time.Sleep(80 * time.Millisecond)

	if _, err := r.Get(ctx, "sess-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get after lapse: got %v, want ErrNotFound", err)
	}
	peers, err := r.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(peers) != 0 {
		t.Errorf("lapsed peer still listed: %d", len(peers))
	}

	// The row itself is only removed by the sweep.
	if _, err := st.GetPeer(ctx, "sess-1"); err != nil {
		t.Fatalf("row gone before sweep: %v", err)
	}
	n, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("swept: got %d", n)
	}
}

func TestHeartbeatExtendsLease(t *testing.T) {
	r, _ := newTestRegistry(t, 100*time.Millisecond)
	ctx := context.Background()

	if _, err := r.Register(ctx, &store.PeerRegistration{SessionID: "sess-1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if err := r.Heartbeat(ctx, "sess-1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	time.Sleep(60 * time.Millisecond)

	if _, err := r.Get(ctx, "sess-1"); err != nil {
		t.Errorf("lease lapsed despite heartbeat: %v", err)
	}
}

func TestDeregister(t *testing.T) {
	r, _ := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	if _, err := r.Register(ctx, &store.PeerRegistration{SessionID: "sess-1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Deregister(ctx, "sess-1"); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if _, err := r.Get(ctx, "sess-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get after deregister: got %v", err)
	}
	if err := r.Deregister(ctx, "sess-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("double Deregister: got %v", err)
	}
}
