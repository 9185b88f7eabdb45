// Package app is the composition root: it wires the store, homeserver
// gateway, runtime connector, reconciler, sync engine, router, arbiter, and
// the HTTP surface into one running bridge.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/kmoroz/tsunagi/common/crypto"
	"github.com/kmoroz/tsunagi/internal/bridge/arbiter"
	"github.com/kmoroz/tsunagi/internal/bridge/config"
	"github.com/kmoroz/tsunagi/internal/bridge/gateway"
	"github.com/kmoroz/tsunagi/internal/bridge/httpapi"
	"github.com/kmoroz/tsunagi/internal/bridge/ingress"
	"github.com/kmoroz/tsunagi/internal/bridge/peers"
	"github.com/kmoroz/tsunagi/internal/bridge/reconcile"
	"github.com/kmoroz/tsunagi/internal/bridge/route"
	"github.com/kmoroz/tsunagi/internal/bridge/runtime"
	"github.com/kmoroz/tsunagi/internal/bridge/store"
	"github.com/kmoroz/tsunagi/internal/bridge/syncer"
	"github.com/kmoroz/tsunagi/internal/bridge/toolapi"
)

// adminSyncScope names the single cursor row the admin sync engine owns.
const adminSyncScope = "admin"

// App is the assembled bridge.
type App struct {
	cfg *config.Config

	st         *store.Store
	gw         *gateway.Gateway
	pool       *gateway.Pool
	admin      *mautrix.Client
	adminID    id.UserID
	rt         *runtime.Client
	rec        *reconcile.Reconciler
	arb        *arbiter.Arbiter
	dispatcher *route.Dispatcher
	engine     *syncer.Engine
	registry   *peers.Registry
	server     *httpapi.Server
}

// New wires the bridge. The admin account is registered or logged in here, so
// a returned App holds a working homeserver session.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	var sealKey []byte
	if cfg.MasterKey != "" {
		key, err := crypto.ParseMasterKey(cfg.MasterKey)
		if err != nil {
			return nil, fmt.Errorf("master key: %w", err)
		}
		sealKey = key
	} else {
		slog.Warn("no master key configured, credentials are stored unsealed")
	}

	st, err := store.New(cfg.DatabasePath, sealKey)
	if err != nil {
		return nil, err
	}

	gw := gateway.New(cfg.HomeserverURL, cfg.ServerName, cfg.RegistrationToken)
	adminAccount, err := gw.EnsureAccount(ctx, cfg.AdminLocalpart, "Tsunagi Bridge", cfg.AdminPassword)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("admin account: %w", err)
	}
	admin, err := gw.NewClient(adminAccount.UserID, adminAccount.AccessToken)
	if err != nil {
		st.Close()
		return nil, err
	}
	slog.Info("admin session established", "mxid", adminAccount.UserID)

	pool := gateway.NewPool(gw, &storeCredentials{st: st}, gateway.PoolConfig{
		SendRatePerSecond:   cfg.SendRatePerSecond,
		MaxSessions:         cfg.MaxSessions,
		RateLimitMaxRetries: cfg.RateLimitMaxRetries,
	})

	rt := runtime.New(runtime.Config{
		BaseURL:                      cfg.RuntimeURL,
		Token:                        cfg.RuntimeToken,
		MaxConcurrentPerConversation: cfg.ConnectorMaxConcurrentPerConversation,
		QueueDepth:                   cfg.ConnectorQueueDepth,
	})

	rec := reconcile.New(
		reconcile.Config{Interval: cfg.ReconcileInterval},
		rt, st,
		reconcile.NewMatrixOps(gw, pool, admin, adminAccount.UserID, cfg.ServerName),
	)

	arb := arbiter.New(&markerPoster{pool: pool}, st, cfg.InFlightTTL)
	dispatcher := route.NewDispatcher(route.NewClassifier(st), &runtimeForwarder{st: st, rt: rt, arb: arb}, 0)
	registry := peers.New(st, cfg.PeerTTL)

	a := &App{
		cfg:        cfg,
		st:         st,
		gw:         gw,
		pool:       pool,
		admin:      admin,
		adminID:    adminAccount.UserID,
		rt:         rt,
		rec:        rec,
		arb:        arb,
		dispatcher: dispatcher,
		registry:   registry,
	}

	a.engine = syncer.New(syncer.Config{
		Scope:       adminSyncScope,
		Client:      admin,
		Reauth:      a.reauthAdmin,
		Cursors:     st,
		Timeout:     cfg.SyncTimeout,
		DropHistory: cfg.ColdStartDropHistory,
		OnBatch:     dispatcher.HandleBatch,
		OnInvite:    a.onInvite,
	})

	tool, err := toolapi.New(toolapi.Config{ServerName: cfg.ServerName}, &toolBackend{
		st:       st,
		pool:     pool,
		admin:    admin,
		rt:       rt,
		rec:      rec,
		arb:      arb,
		registry: registry,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	webhook := ingress.New(ingress.Config{
		Verify:        cfg.WebhookVerify,
		Secret:        cfg.WebhookSecret,
		RatePerMinute: cfg.WebhookRateLimit,
	}, st, arb)

	a.server = httpapi.New(httpapi.Config{
		Addr:          cfg.HTTPAddr,
		Identities:    st,
		Peers:         registry,
		Tool:          tool,
		Conversations: st,
		Webhook:       webhook,
		Probes: map[string]httpapi.Probe{
			"database":   func(ctx context.Context) error { return st.DB().PingContext(ctx) },
			"homeserver": a.probeHomeserver,
			"runtime":    a.probeRuntime,
		},
		Routing: func() (uint64, uint64, uint64, uint64) {
			forwarded, dropped, overflow, failed := dispatcher.Stats()
			return uint64(forwarded), uint64(dropped), uint64(overflow), uint64(failed)
		},
		Provisioning: rec.Stats,
	})

	return a, nil
}

// Run starts every loop and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.server.Start(ctx); err != nil {
		return err
	}

	go a.rec.Run(ctx)
	go a.arb.Run(ctx)
	go a.registry.Run(ctx)
	go a.configureWebhooks(ctx)

	go func() {
		if err := a.engine.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("sync engine exited", "err", err)
			cancel()
		}
	}()

	slog.Info("bridge running",
		"homeserver", a.cfg.HomeserverURL,
		"http_addr", a.cfg.HTTPAddr,
		"admin", a.adminID)

	<-ctx.Done()
	a.Stop()
	return nil
}

// Stop tears the bridge down in dependency order.
func (a *App) Stop() {
	a.dispatcher.Stop()
	a.server.Stop()
	if err := a.st.Close(); err != nil {
		slog.Warn("failed to close store", "err", err)
	}
}

func (a *App) probeHomeserver(ctx context.Context) error {
	_, err := a.admin.Whoami(ctx)
	return err
}

func (a *App) probeRuntime(ctx context.Context) error {
	if a.cfg.RuntimeURL == "" {
		return nil
	}
	_, err := a.rt.ListAgents(ctx)
	return err
}

// reauthAdmin re-establishes the admin session after an expired token.
func (a *App) reauthAdmin(ctx context.Context) (*mautrix.Client, error) {
	account, err := a.gw.Login(ctx, a.cfg.AdminLocalpart, a.cfg.AdminPassword)
	if err != nil {
		return nil, err
	}
	client, err := a.gw.NewClient(account.UserID, account.AccessToken)
	if err != nil {
		return nil, err
	}
	a.admin = client
	return client, nil
}

// onInvite accepts invites mediated by known agent identities; anything else
// is recorded and left pending.
func (a *App) onInvite(ctx context.Context, roomID id.RoomID, inviter id.UserID) {
	if _, err := a.st.GetIdentityByMXID(ctx, inviter.String()); err != nil {
		slog.Info("ignoring invite from unknown sender", "room_id", roomID, "inviter", inviter)
		if err := a.st.SetInvitation(ctx, roomID.String(), inviter.String(), "ignored"); err != nil {
			slog.Warn("failed to record invitation", "room_id", roomID, "err", err)
		}
		return
	}

	if _, err := a.admin.JoinRoomByID(ctx, roomID); err != nil {
		slog.Error("failed to join room", "room_id", roomID, "err", err)
		return
	}
	slog.Info("joined agent room", "room_id", roomID, "inviter", inviter)
	if err := a.st.SetInvitation(ctx, roomID.String(), inviter.String(), "accepted"); err != nil {
		slog.Warn("failed to record invitation", "room_id", roomID, "err", err)
	}
}

// configureWebhooks points every agent's run-completion webhook at this
// bridge. The PUT is idempotent, so the pass repeats to pick up new agents.
func (a *App) configureWebhooks(ctx context.Context) {
	if a.cfg.PublicURL == "" {
		slog.Info("public_url not set, skipping runtime webhook configuration")
		return
	}
	target := a.cfg.PublicURL + "/webhooks/agent-response"

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		agents, err := a.rt.ListAgents(ctx)
		if err != nil {
			slog.Warn("cannot configure runtime webhooks", "err", err)
		}
		for _, agent := range agents {
			if err := a.rt.ConfigureWebhook(ctx, agent.ID, target, a.cfg.WebhookSecret); err != nil {
				slog.Warn("failed to configure webhook", "agent_id", agent.ID, "err", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
