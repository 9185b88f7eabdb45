package app

import (
	"context"

	"maunium.net/go/mautrix/id"

	"github.com/kmoroz/tsunagi/internal/bridge/store"
)

// storeCredentials backs the session pool with the identity store.
type storeCredentials struct {
	st *store.Store
}

func (c *storeCredentials) Lookup(ctx context.Context, agentID string) (id.UserID, string, string, string, error) {
	ident, err := c.st.GetIdentity(ctx, agentID)
	if err != nil {
		return "", "", "", "", err
	}
	return id.UserID(ident.MXID), ident.Localpart, ident.AccessToken, ident.PasswordSeed, nil
}

func (c *storeCredentials) StoreToken(ctx context.Context, agentID, token string) error {
	return c.st.UpdateIdentityToken(ctx, agentID, token)
}
