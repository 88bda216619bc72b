package gateway

import (
	"context"
	"fmt"

	"kalitrade-go/internal/config"
)

// StaticCredentialProvider serves API keys straight from the config
// file. Refresh returns the same keys; static keys do not expire, so a
// second auth failure will surface as AuthenticationExpired.
type StaticCredentialProvider struct {
	exchanges map[string]config.Exchange
}

// NewStaticCredentialProvider builds a provider over the configured
// exchange credential sections.
func NewStaticCredentialProvider(exchanges map[string]config.Exchange) *StaticCredentialProvider {
	return &StaticCredentialProvider{exchanges: exchanges}
}

var _ CredentialProvider = (*StaticCredentialProvider)(nil)

// GetCredentials returns the configured keys for an exchange.
func (p *StaticCredentialProvider) GetCredentials(_ context.Context, exchange, _ string) (Credentials, error) {
	cfg, ok := p.exchanges[exchange]
	if !ok {
		return Credentials{}, fmt.Errorf("no credentials configured for exchange %q", exchange)
	}
	return Credentials{
		APIKey:     cfg.ApiKey,
		APISecret:  cfg.SecretKey,
		Passphrase: cfg.Passphrase,
	}, nil
}

// RefreshCredentials re-reads the configured keys.
func (p *StaticCredentialProvider) RefreshCredentials(ctx context.Context, exchange, userID string) (Credentials, error) {
	return p.GetCredentials(ctx, exchange, userID)
}
