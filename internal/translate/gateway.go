// Package translate adapts the external translation capability behind a
// fallback-safe gateway: callers always get text back, never an error.
package translate

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Gateway converts text between languages. Implementations must degrade to
// the original text on any failure; translation never blocks delivery.
// Callers are expected to skip the gateway entirely when source and target
// languages match.
type Gateway interface {
	Translate(ctx context.Context, text, from, to string) string
}

type Config struct {
	Endpoint string
	Key      string
	Region   string
	Timeout  time.Duration
}

// New returns the Azure-backed gateway, or Identity when any credential is
// missing so the relay still starts and runs untranslated.
func New(cfg Config) Gateway {
	if cfg.Endpoint == "" || cfg.Key == "" || cfg.Region == "" {
		log.Warn().Str("module", "translate").
			Msg("translator credentials missing, degrading to identity translation")
		return Identity{}
	}
	return newAzureGateway(cfg)
}

// Identity returns text unchanged.
type Identity struct{}

func (Identity) Translate(_ context.Context, text, _, _ string) string { return text }
