package sessionclient

import (
	"context"

	"golang.org/x/oauth2"
)

type managerTokenSource struct {
	ctx     context.Context
	manager *Manager
}

// TokenSource adapts the manager to oauth2.TokenSource so oauth2.NewClient transports can reuse the session.
// The refresh token is never exposed; renewal stays with the coordinator.
func (manager *Manager) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &managerTokenSource{ctx: ctx, manager: manager}
}

func (source *managerTokenSource) Token() (*oauth2.Token, error) {
	accessToken, err := source.manager.GetValidToken(source.ctx)
	if err != nil {
		return nil, err
	}
	expiresAt, _ := source.manager.store.ExpiresAt(source.ctx)
	return &oauth2.Token{
		AccessToken: accessToken,
		TokenType:   source.manager.store.TokenType(source.ctx),
		Expiry:      expiresAt,
	}, nil
}
