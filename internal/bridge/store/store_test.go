package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testIdentity(agentID, name string) *Identity {
	return &Identity{
		AgentID:      agentID,
		AgentName:    name,
		Localpart:    "agent_" + agentID,
		MXID:         "@agent_" + agentID + ":example.org",
		AccessToken:  "syt_token_" + agentID,
		PasswordSeed: "seed-" + agentID,
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	s, err := New(path, nil)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s.Close()

	// Reopening must find all migrations applied and do nothing.
	s, err = New(path, nil)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s.Close()

	var n int
	if err := s.DB().QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if n != 6 {
		t.Errorf("applied migrations: got %d, want 6", n)
	}
}

func TestIdentityRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ident := testIdentity("a1", "researcher")
	if err := s.CreateIdentity(ctx, ident); err != nil {
		t.Fatalf("CreateIdentity: %v", err)
	}

	got, err := s.GetIdentity(ctx, "a1")
	if err != nil {
		t.Fatalf("GetIdentity: %v", err)
	}
	if got.MXID != ident.MXID {
		t.Errorf("MXID: got %q, want %q", got.MXID, ident.MXID)
	}
	if got.AccessToken != "syt_token_a1" {
		t.Errorf("AccessToken: got %q", got.AccessToken)
	}
	if got.State != "provisioning" {
		t.Errorf("State: got %q, want provisioning", got.State)
	}

	if _, err := s.GetIdentity(ctx, "nope"); err != ErrNotFound {
		t.Errorf("GetIdentity(nope): got %v, want ErrNotFound", err)
	}

	byMXID, err := s.GetIdentityByMXID(ctx, ident.MXID)
	if err != nil {
		t.Fatalf("GetIdentityByMXID: %v", err)
	}
	if byMXID.AgentID != "a1" {
		t.Errorf("GetIdentityByMXID: got agent %q", byMXID.AgentID)
	}
}

func TestIdentitySealedAtRest(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	s, err := New(filepath.Join(t.TempDir(), "sealed.db"), key)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	if err := s.CreateIdentity(ctx, testIdentity("a1", "researcher")); err != nil {
		t.Fatalf("CreateIdentity: %v", err)
	}

	var raw string
	if err := s.DB().QueryRow("SELECT access_token FROM identities WHERE agent_id = 'a1'").Scan(&raw); err != nil {
		t.Fatalf("raw select: %v", err)
	}
	if raw == "syt_token_a1" {
		t.Error("access token stored in plaintext despite seal key")
	}

	got, err := s.GetIdentity(ctx, "a1")
	if err != nil {
		t.Fatalf("GetIdentity: %v", err)
	}
	if got.AccessToken != "syt_token_a1" {
		t.Errorf("unsealed token: got %q", got.AccessToken)
	}
}

func TestUpsertPreservesDerivedFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	orig := testIdentity("a1", "researcher")
	if err := s.UpsertIdentity(ctx, orig); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	// Rename: the incoming record carries a freshly derived mxid, but the
	// stored one must survive.
	renamed := testIdentity("a1", "deep-researcher")
	renamed.Localpart = "agent_other"
	renamed.MXID = "@agent_other:example.org"
	if err := s.UpsertIdentity(ctx, renamed); err != nil {
		t.Fatalf("rename upsert: %v", err)
	}

	got, err := s.GetIdentity(ctx, "a1")
	if err != nil {
		t.Fatalf("GetIdentity: %v", err)
	}
	if got.AgentName != "deep-researcher" {
		t.Errorf("AgentName: got %q", got.AgentName)
	}
	if got.MXID != orig.MXID {
		t.Errorf("MXID changed on rename: got %q, want %q", got.MXID, orig.MXID)
	}
	if got.Localpart != orig.Localpart {
		t.Errorf("Localpart changed on rename: got %q", got.Localpart)
	}
	if got.PasswordSeed != orig.PasswordSeed {
		t.Errorf("PasswordSeed changed on rename")
	}
}

func TestUpsertIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertIdentity(ctx, testIdentity("a1", "researcher")); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	before, err := s.GetIdentity(ctx, "a1")
	if err != nil {
		t.Fatalf("GetIdentity: %v", err)
	}

	if err := s.UpsertIdentity(ctx, testIdentity("a1", "researcher")); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	after, err := s.GetIdentity(ctx, "a1")
	if err != nil {
		t.Fatalf("GetIdentity: %v", err)
	}
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Errorf("identical upsert mutated updated_at")
	}
}

func TestUpsertRevivesRemovedIdentity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateIdentity(ctx, testIdentity("a1", "researcher")); err != nil {
		t.Fatalf("CreateIdentity: %v", err)
	}
	if err := s.MarkIdentityRemoved(ctx, "a1"); err != nil {
		t.Fatalf("MarkIdentityRemoved: %v", err)
	}

	if err := s.UpsertIdentity(ctx, testIdentity("a1", "researcher")); err != nil {
		t.Fatalf("revive upsert: %v", err)
	}
	got, err := s.GetIdentity(ctx, "a1")
	if err != nil {
		t.Fatalf("GetIdentity: %v", err)
	}
	if got.Removed() {
		t.Error("identity still removed after upsert")
	}
}

func TestCreateIdentityConflictOnMXID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateIdentity(ctx, testIdentity("a1", "researcher")); err != nil {
		t.Fatalf("CreateIdentity: %v", err)
	}

	clash := testIdentity("a2", "imposter")
	clash.MXID = "@agent_a1:example.org"
	err := s.CreateIdentity(ctx, clash)
	if !isIdentityConflict(err) {
		t.Errorf("expected ErrIdentityConflict, got %v", err)
	}
}

func TestListIdentitiesExcludesRemoved(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a1", "a2", "a3"} {
		if err := s.CreateIdentity(ctx, testIdentity(id, "agent-"+id)); err != nil {
			t.Fatalf("CreateIdentity(%s): %v", id, err)
		}
	}
	if err := s.MarkIdentityRemoved(ctx, "a2"); err != nil {
		t.Fatalf("MarkIdentityRemoved: %v", err)
	}

	active, err := s.ListIdentities(ctx, false)
	if err != nil {
		t.Fatalf("ListIdentities: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("active identities: got %d, want 2", len(active))
	}

	all, err := s.ListIdentities(ctx, true)
	if err != nil {
		t.Fatalf("ListIdentities(all): %v", err)
	}
	if len(all) != 3 {
		t.Errorf("all identities: got %d, want 3", len(all))
	}
}

func TestBindRoom(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateIdentity(ctx, testIdentity("a1", "researcher")); err != nil {
		t.Fatalf("CreateIdentity: %v", err)
	}
	if err := s.BindRoom(ctx, "a1", "!room1:example.org", "researcher - Agent Chat", "!space:example.org"); err != nil {
		t.Fatalf("BindRoom: %v", err)
	}

	got, err := s.GetIdentityByRoomID(ctx, "!room1:example.org")
	if err != nil {
		t.Fatalf("GetIdentityByRoomID: %v", err)
	}
	if got.AgentID != "a1" {
		t.Errorf("room owner: got %q", got.AgentID)
	}

	binding, err := s.GetRoomBinding(ctx, "!room1:example.org")
	if err != nil {
		t.Fatalf("GetRoomBinding: %v", err)
	}
	if binding.CanonicalName != "researcher - Agent Chat" {
		t.Errorf("CanonicalName: got %q", binding.CanonicalName)
	}

	// Rebinding the same agent to a new room replaces the old binding.
	if err := s.BindRoom(ctx, "a1", "!room2:example.org", "researcher - Agent Chat", "!space:example.org"); err != nil {
		t.Fatalf("rebind: %v", err)
	}
	if _, err := s.GetRoomBinding(ctx, "!room1:example.org"); err != ErrNotFound {
		t.Errorf("stale binding: got %v, want ErrNotFound", err)
	}

	// A second agent may not claim a bound room.
	if err := s.CreateIdentity(ctx, testIdentity("a2", "writer")); err != nil {
		t.Fatalf("CreateIdentity(a2): %v", err)
	}
	err = s.BindRoom(ctx, "a2", "!room2:example.org", "writer - Agent Chat", "!space:example.org")
	if !isIdentityConflict(err) {
		t.Errorf("expected ErrIdentityConflict, got %v", err)
	}
}

func TestCursorWatermarkWriteOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveCursor(ctx, "admin", "s100_1", 1700000000000); err != nil {
		t.Fatalf("SaveCursor: %v", err)
	}
	// Later saves carry no watermark; the stored one must survive.
	if err := s.SaveCursor(ctx, "admin", "s200_1", 0); err != nil {
		t.Fatalf("SaveCursor update: %v", err)
	}

	got, err := s.GetCursor(ctx, "admin")
	if err != nil {
		t.Fatalf("GetCursor: %v", err)
	}
	if got.Cursor != "s200_1" {
		t.Errorf("Cursor: got %q", got.Cursor)
	}
	if got.WatermarkMS != 1700000000000 {
		t.Errorf("WatermarkMS: got %d", got.WatermarkMS)
	}
}

func TestConversationBindings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.BindConversation(ctx, "!r:example.org", "a1", "", "conv-1"); err != nil {
		t.Fatalf("BindConversation: %v", err)
	}
	if _, err := s.BindConversation(ctx, "!r:example.org", "a1", "@peer:example.org", "conv-2"); err != nil {
		t.Fatalf("BindConversation scoped: %v", err)
	}

	roomLevel, err := s.GetConversation(ctx, "!r:example.org", "a1", "")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if roomLevel.ConversationID != "conv-1" {
		t.Errorf("room-level conversation: got %q", roomLevel.ConversationID)
	}

	scoped, err := s.GetConversation(ctx, "!r:example.org", "a1", "@peer:example.org")
	if err != nil {
		t.Fatalf("GetConversation scoped: %v", err)
	}
	if scoped.ConversationID != "conv-2" {
		t.Errorf("scoped conversation: got %q", scoped.ConversationID)
	}

	all, err := s.ListConversationsForAgent(ctx, "a1")
	if err != nil {
		t.Fatalf("ListConversationsForAgent: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("conversations: got %d, want 2", len(all))
	}

	if err := s.DeleteConversationsForRoom(ctx, "!r:example.org"); err != nil {
		t.Fatalf("DeleteConversationsForRoom: %v", err)
	}
	if _, err := s.GetConversation(ctx, "!r:example.org", "a1", ""); err != ErrNotFound {
		t.Errorf("after delete: got %v, want ErrNotFound", err)
	}
}

func TestBindConversationFirstWriterWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stored, err := s.BindConversation(ctx, "!r:example.org", "a1", "", "conv-first")
	if err != nil {
		t.Fatalf("BindConversation: %v", err)
	}
	if stored != "conv-first" {
		t.Fatalf("first bind: got %q", stored)
	}

	stored, err = s.BindConversation(ctx, "!r:example.org", "a1", "", "conv-second")
	if err != nil {
		t.Fatalf("BindConversation second: %v", err)
	}
	if stored != "conv-first" {
		t.Errorf("second bind: got %q, want the first writer's conv-first", stored)
	}

	got, err := s.GetConversation(ctx, "!r:example.org", "a1", "")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.ConversationID != "conv-first" {
		t.Errorf("stored conversation: got %q, want conv-first", got.ConversationID)
	}
}

func TestInFlightLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &InFlightRecord{
		TrackingID: "trk-1",
		LogicalKey: "a1|run-42",
		Source:     "webhook",
	}
	if err := s.InsertInFlight(ctx, rec); err != nil {
		t.Fatalf("InsertInFlight: %v", err)
	}

	// The logical key is unique; a second claim must fail at the DB level.
	dup := &InFlightRecord{TrackingID: "trk-2", LogicalKey: "a1|run-42", Source: "stream"}
	if err := s.InsertInFlight(ctx, dup); err == nil {
		t.Error("duplicate logical key accepted")
	}

	if err := s.CommitInFlight(ctx, "trk-1", "$event1"); err != nil {
		t.Fatalf("CommitInFlight: %v", err)
	}
	got, err := s.GetInFlightByKey(ctx, "a1|run-42")
	if err != nil {
		t.Fatalf("GetInFlightByKey: %v", err)
	}
	if got.Status != InFlightCommitted || got.CommittedEventID != "$event1" {
		t.Errorf("committed record: %+v", got)
	}

	n, err := s.PurgeInFlightBefore(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("PurgeInFlightBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("purged: got %d, want 1", n)
	}
}

func TestClaimInFlight(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ttl := time.Minute

	claimed, _, err := s.ClaimInFlight(ctx, &InFlightRecord{
		TrackingID: "trk-1", LogicalKey: "a1|run-1", Source: "stream",
	}, ttl)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if !claimed {
		t.Fatal("first claim rejected")
	}

	// A held key is not reclaimable.
	claimed, existing, err := s.ClaimInFlight(ctx, &InFlightRecord{
		TrackingID: "trk-2", LogicalKey: "a1|run-1", Source: "webhook",
	}, ttl)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed {
		t.Fatal("held key was reclaimed")
	}
	if existing.TrackingID != "trk-1" {
		t.Errorf("existing holder: got %q", existing.TrackingID)
	}

	// A failed attempt releases the key.
	if err := s.FailInFlight(ctx, "trk-1"); err != nil {
		t.Fatalf("FailInFlight: %v", err)
	}
	claimed, _, err = s.ClaimInFlight(ctx, &InFlightRecord{
		TrackingID: "trk-3", LogicalKey: "a1|run-1", Source: "webhook",
	}, ttl)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if !claimed {
		t.Error("failed key was not reclaimable")
	}
}

func TestClaimInFlightExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	claimed, _, err := s.ClaimInFlight(ctx, &InFlightRecord{
		TrackingID:  "trk-1",
		LogicalKey:  "a1|run-1",
		Source:      "stream",
		FirstSeenAt: time.Now().Add(-time.Hour),
	}, time.Minute)
	if err != nil || !claimed {
		t.Fatalf("seed claim: claimed=%v err=%v", claimed, err)
	}

	claimed, _, err = s.ClaimInFlight(ctx, &InFlightRecord{
		TrackingID: "trk-2", LogicalKey: "a1|run-1", Source: "webhook",
	}, time.Minute)
	if err != nil {
		t.Fatalf("expired reclaim: %v", err)
	}
	if !claimed {
		t.Error("expired key was not reclaimable")
	}
}

func TestPeerSweep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fresh := &PeerRegistration{SessionID: "s-fresh", Directory: "/work/a", ListenPort: 9001, Rooms: []string{"!r:example.org"}}
	stale := &PeerRegistration{SessionID: "s-stale", Directory: "/work/b", ListenPort: 9002, LastSeen: time.Now().Add(-time.Hour)}
	if err := s.UpsertPeer(ctx, fresh); err != nil {
		t.Fatalf("UpsertPeer(fresh): %v", err)
	}
	if err := s.UpsertPeer(ctx, stale); err != nil {
		t.Fatalf("UpsertPeer(stale): %v", err)
	}

	n, err := s.SweepPeers(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("SweepPeers: %v", err)
	}
	if n != 1 {
		t.Errorf("swept: got %d, want 1", n)
	}

	peers, err := s.ListPeers(ctx)
	if err != nil {
		t.Fatalf("ListPeers: %v", err)
	}
	if len(peers) != 1 || peers[0].SessionID != "s-fresh" {
		t.Errorf("remaining peers: %+v", peers)
	}
	if len(peers) == 1 && len(peers[0].Rooms) != 1 {
		t.Errorf("rooms round trip: %+v", peers[0].Rooms)
	}
}

func TestBridgeState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetState(ctx, StateKeySpaceID); err != ErrNotFound {
		t.Errorf("empty state: got %v, want ErrNotFound", err)
	}
	if err := s.SetState(ctx, StateKeySpaceID, "!space:example.org"); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if err := s.SetState(ctx, StateKeySpaceID, "!space2:example.org"); err != nil {
		t.Fatalf("SetState overwrite: %v", err)
	}
	got, err := s.GetState(ctx, StateKeySpaceID)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if got != "!space2:example.org" {
		t.Errorf("state value: got %q", got)
	}
}

func isIdentityConflict(err error) bool {
	return errors.Is(err, ErrIdentityConflict)
}
