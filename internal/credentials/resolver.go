// Package credentials resolves the ephemeral token bundle a face-liveness
// session runs under. The resolver evaluates an ordered list of exchange
// strategies and returns the first bundle that resolves; callers freeze that
// bundle for the whole session rather than handing the detection widget a live
// provider callback, which is how mid-session rotation bugs sneak in.
package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"verigate/internal/domain"
	"verigate/pkg/platform/circuit"
	"verigate/pkg/platform/sentinel"
)

var resolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "verigate_credential_resolutions_total",
	Help: "Credential resolutions by exchange source and outcome",
}, []string{"source", "outcome"})

// primaryRetryCooldown is how long an open breaker holds the primary out of
// the chain before the next resolve probes it again.
const primaryRetryCooldown = 30 * time.Second

// Resolver walks the exchange chain in order. One call per liveness session
// start.
type Resolver struct {
	chain   []Provider
	breaker *circuit.Breaker
	log     *slog.Logger
	// fallbackConfigured distinguishes Unconfigured from ExchangeFailed when
	// every provider in the chain errors.
	fallbackConfigured bool

	cooldown time.Duration
	now      func() time.Time

	mu      sync.Mutex
	retryAt time.Time
}

// NewResolver builds the primary/fallback chain. An empty pool id leaves the
// fallback out of the chain entirely. A breaker on the primary skips it once
// it has failed repeatedly, so a broken ambient chain does not add its full
// timeout to every session start; after the cooldown one call probes the
// primary again and a single success restores it.
func NewResolver(primary Provider, fallback Provider, log *slog.Logger) *Resolver {
	chain := []Provider{primary}
	if fallback != nil {
		chain = append(chain, fallback)
	}
	return &Resolver{
		chain: chain,
		breaker: circuit.New("credential-primary",
			circuit.WithFailureThreshold(3), circuit.WithSuccessThreshold(1)),
		log:                log,
		fallbackConfigured: fallback != nil,
		cooldown:           primaryRetryCooldown,
		now:                time.Now,
	}
}

// primaryAllowed reports whether this resolve should attempt the primary:
// always while the breaker is closed, once per cooldown window as a probe
// while it is open. Allowing a probe arms the next window up front so
// concurrent resolves do not all pile onto a still-broken primary.
func (r *Resolver) primaryAllowed() bool {
	if !r.breaker.IsOpen() {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.now().Before(r.retryAt) {
		return false
	}
	r.retryAt = r.now().Add(r.cooldown)
	return true
}

// Resolve returns one stable credential bundle or a classified error:
// sentinel.ErrUnconfigured when the primary failed and no fallback pool is
// configured, sentinel.ErrExchangeFailed when every configured exchange failed.
func (r *Resolver) Resolve(ctx context.Context) (domain.ResolvedCredentials, error) {
	var lastErr error
	for i, provider := range r.chain {
		primary := i == 0
		if primary && len(r.chain) > 1 && !r.primaryAllowed() {
			r.log.Warn("primary exchange circuit open, skipping", "source", provider.Name())
			continue
		}
		creds, err := provider.Resolve(ctx)
		if err == nil {
			if primary {
				if _, change := r.breaker.RecordSuccess(); change.Closed {
					r.log.Info("primary exchange circuit closed", "source", provider.Name())
				}
			}
			resolutionsTotal.WithLabelValues(provider.Name(), "ok").Inc()
			r.log.Info("credentials resolved", "source", provider.Name(), "expires", creds.Expires)
			return creds, nil
		}
		if primary {
			useFallback, change := r.breaker.RecordFailure()
			if change.Opened {
				r.log.Warn("primary exchange circuit opened", "source", provider.Name())
			}
			if useFallback {
				r.mu.Lock()
				r.retryAt = r.now().Add(r.cooldown)
				r.mu.Unlock()
			}
		}
		resolutionsTotal.WithLabelValues(provider.Name(), "error").Inc()
		r.log.Warn("credential exchange failed", "source", provider.Name(), "error", err)
		lastErr = err
	}
	if !r.fallbackConfigured {
		return domain.ResolvedCredentials{}, fmt.Errorf("primary exchange failed and no identity pool configured: %w", sentinel.ErrUnconfigured)
	}
	return domain.ResolvedCredentials{}, fmt.Errorf("all credential exchanges failed (last: %v): %w", lastErr, sentinel.ErrExchangeFailed)
}
