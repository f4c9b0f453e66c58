package app

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/pitabwire/pxm/internal/approval"
	"github.com/pitabwire/pxm/internal/config"
	"github.com/pitabwire/pxm/internal/identity"
	"github.com/pitabwire/pxm/internal/observability"
	"github.com/pitabwire/pxm/internal/template"
)

// Services are the domain services wired over a set of stores.
type Services struct {
	Approvals *approval.Service
	Templates *template.Service
	Identity  *identity.Service

	// Secret is the HMAC key tokens are signed and verified with.
	Secret []byte
}

// BuildServices reads the signing secret from the environment variable named
// by identity.secret_env and wires the services over stores.
func BuildServices(cfg config.IdentityConfig, stores *Stores, logger *zap.Logger, metrics *observability.Metrics) (*Services, error) {
	secret := []byte(os.Getenv(cfg.SecretEnv))
	if len(secret) == 0 {
		return nil, fmt.Errorf("identity: %s environment variable not set", cfg.SecretEnv)
	}

	tokens, err := identity.NewTokenIssuer(secret, cfg.Issuer, cfg.Audience, cfg.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}

	templates := template.NewService(stores.Templates, logger)
	return &Services{
		Approvals: approval.NewService(stores.Approvals, templates,
			approval.WithLogger(logger),
			approval.WithMetrics(metrics),
		),
		Templates: templates,
		Identity: identity.NewService(stores.Users, tokens,
			identity.WithLogger(logger),
			identity.WithMetrics(metrics),
		),
		Secret: secret,
	}, nil
}
