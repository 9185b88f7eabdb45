// Package gateway is the bridge's only door to the Matrix homeserver: account
// registration and login, per-identity client sessions, and classification of
// homeserver failures into a small retryable/non-retryable taxonomy.
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// Gateway creates homeserver clients and manages account lifecycle.
type Gateway struct {
	homeserverURL     string
	serverName        string
	registrationToken string
}

// Account holds the credentials of a registered or logged-in identity.
type Account struct {
	UserID      id.UserID
	AccessToken string
}

// New creates a Gateway for the given homeserver. registrationToken may be
// empty, in which case open (dummy) registration is attempted.
func New(homeserverURL, serverName, registrationToken string) *Gateway {
	return &Gateway{
		homeserverURL:     homeserverURL,
		serverName:        serverName,
		registrationToken: registrationToken,
	}
}

// UserID returns the full mxid for a localpart on this homeserver.
func (g *Gateway) UserID(localpart string) id.UserID {
	return id.UserID("@" + localpart + ":" + g.serverName)
}

// NewClient builds an authenticated client for an existing identity.
func (g *Gateway) NewClient(userID id.UserID, accessToken string) (*mautrix.Client, error) {
	client, err := mautrix.NewClient(g.homeserverURL, userID, accessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create homeserver client: %w", err)
	}
	return client, nil
}

// NewSeed generates a random credential seed for a new identity. The seed is
// persisted (sealed) and the actual account password is derived from it, so a
// lost token can always be recovered by logging in again.
func NewSeed() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate credential seed: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// DerivePassword deterministically derives the account password for a
// localpart from its stored seed.
func DerivePassword(seed, localpart string) string {
	mac := hmac.New(sha256.New, []byte(seed))
	mac.Write([]byte("matrix-password:" + localpart))
	return hex.EncodeToString(mac.Sum(nil))
}

// Register creates a new account for localpart. When the gateway has a
// registration token the m.login.registration_token flow is used; otherwise
// open (dummy) registration. Errors come back classified: a
// KindIdentityConflict means the account already exists and the caller should
// fall back to Login.
func (g *Gateway) Register(ctx context.Context, localpart, displayName, password string) (*Account, error) {
	client, err := g.NewClient("", "")
	if err != nil {
		return nil, err
	}

	req := &mautrix.ReqRegister{
		Username:                 localpart,
		Password:                 password,
		InitialDeviceDisplayName: displayName,
	}

	if g.registrationToken != "" {
		req.Auth = struct {
			Type    string `json:"type"`
			Token   string `json:"token"`
			Session string `json:"session,omitempty"`
		}{
			Type:  "m.login.registration_token",
			Token: g.registrationToken,
		}
		resp, _, err := client.Register(ctx, req)
		if err != nil {
			return nil, Classify("register", err)
		}
		return &Account{UserID: resp.UserID, AccessToken: resp.AccessToken}, nil
	}

	resp, err := client.RegisterDummy(ctx, req)
	if err != nil {
		return nil, Classify("register", err)
	}
	return &Account{UserID: resp.UserID, AccessToken: resp.AccessToken}, nil
}

// Login obtains a fresh access token for an existing account.
func (g *Gateway) Login(ctx context.Context, localpart, password string) (*Account, error) {
	client, err := g.NewClient("", "")
	if err != nil {
		return nil, err
	}

	resp, err := client.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: localpart,
		},
		Password:                 password,
		InitialDeviceDisplayName: "tsunagi-bridge",
	})
	if err != nil {
		return nil, Classify("login", err)
	}
	return &Account{UserID: resp.UserID, AccessToken: resp.AccessToken}, nil
}

// EnsureAccount registers localpart, falling back to login when the account
// already exists. This makes identity materialization idempotent across
// restarts and across a homeserver that outlived the bridge database.
func (g *Gateway) EnsureAccount(ctx context.Context, localpart, displayName, password string) (*Account, error) {
	account, err := g.Register(ctx, localpart, displayName, password)
	if err == nil {
		return account, nil
	}
	if KindOf(err) != KindIdentityConflict {
		return nil, err
	}
	account, loginErr := g.Login(ctx, localpart, password)
	if loginErr != nil {
		return nil, fmt.Errorf("account %q exists but login failed: %w", localpart, loginErr)
	}
	return account, nil
}

// Whoami validates an access token, returning the mxid it belongs to.
func (g *Gateway) Whoami(ctx context.Context, accessToken string) (id.UserID, error) {
	client, err := g.NewClient("", accessToken)
	if err != nil {
		return "", err
	}
	resp, err := client.Whoami(ctx)
	if err != nil {
		return "", Classify("whoami", err)
	}
	return resp.UserID, nil
}
