package tenant

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/cexll/gitlab-copilot/internal/vault"
)

// configTokenPrefix marks tokens that address a configuration directly
// instead of a user account.
const configTokenPrefix = "glconfig_"

// Resolution is the outcome of tenant resolution: the context threaded into
// the processing task plus the webhook secret used to verify the request.
type Resolution struct {
	Context       *Context
	WebhookSecret string
}

// Legacy holds the process-wide fallback credentials used when no tenant
// token is supplied.
type Legacy struct {
	BaseURL       string
	AccessToken   string
	WebhookSecret string
}

// Resolver maps opaque webhook tokens to tenant credentials.
type Resolver struct {
	store  Store
	vault  *vault.Vault
	legacy *Legacy
}

// NewResolver creates a resolver. store and vault may be nil in legacy-only
// deployments; legacy may be nil in platform-only deployments.
func NewResolver(store Store, v *vault.Vault, legacy *Legacy) *Resolver {
	return &Resolver{store: store, vault: v, legacy: legacy}
}

// Resolve maps a token candidate to a tenant. Token resolution order:
// config token prefix, then user lookup (default config, first config),
// then the legacy fallback when no token was supplied at all.
func (r *Resolver) Resolve(ctx context.Context, token string) (*Resolution, error) {
	token = strings.TrimSpace(token)

	if token == "" {
		if r.legacy != nil {
			return r.legacyResolution(), nil
		}
		return nil, ErrNoToken
	}

	if r.store == nil {
		return nil, ErrNotFound
	}

	if strings.HasPrefix(token, configTokenPrefix) {
		cfg, err := r.store.FindConfigByToken(ctx, token)
		if err != nil {
			return nil, err
		}
		if cfg == nil {
			return nil, ErrNotFound
		}
		return r.fromConfig(token, "", cfg)
	}

	user, err := r.store.FindUserByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrNotFound
	}

	cfg, err := r.store.FindDefaultConfig(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		configs, err := r.store.FindConfigsForUser(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		if len(configs) > 0 {
			cfg = &configs[0]
		}
	}
	if cfg == nil {
		if r.legacy != nil {
			log.Printf("[Tenant] User %s has no configuration, using legacy credentials", user.Username)
			return r.legacyResolution(), nil
		}
		return nil, ErrNotFound
	}

	return r.fromConfig(token, user.DisplayName, cfg)
}

func (r *Resolver) fromConfig(token, displayName string, cfg *GitLabConfig) (*Resolution, error) {
	accessToken, webhookSecret, err := Secrets(r.vault, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt config %s: %w", cfg.ID, err)
	}
	if displayName == "" {
		displayName = cfg.Name
	}
	return &Resolution{
		Context: &Context{
			TenantID:            cfg.UserID,
			OpaqueToken:         token,
			PlatformBaseURL:     cfg.GitLabBaseURL,
			PlatformAccessToken: accessToken,
			ConfigID:            cfg.ID,
			DisplayName:         displayName,
		},
		WebhookSecret: webhookSecret,
	}, nil
}

func (r *Resolver) legacyResolution() *Resolution {
	return &Resolution{
		Context: &Context{
			TenantID:            "legacy",
			PlatformBaseURL:     r.legacy.BaseURL,
			PlatformAccessToken: r.legacy.AccessToken,
			DisplayName:         "legacy",
		},
		WebhookSecret: r.legacy.WebhookSecret,
	}
}
