package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// WellKnownPath is where every fabric node serves its agent card.
const WellKnownPath = "/.well-known/agent.json"

const defaultProbeTimeout = 3 * time.Second

// Prober fetches agent cards from candidate endpoints and feeds the
// registry.
type Prober struct {
	registry *Registry
	client   *http.Client
	logger   *slog.Logger
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithProbeTimeout bounds a single card fetch.
func WithProbeTimeout(d time.Duration) ProberOption {
	return func(p *Prober) { p.client.Timeout = d }
}

// WithProberLogger sets the structured logger.
func WithProberLogger(logger *slog.Logger) ProberOption {
	return func(p *Prober) { p.logger = logger }
}

// WithHTTPClient replaces the probe HTTP client.
func WithHTTPClient(c *http.Client) ProberOption {
	return func(p *Prober) { p.client = c }
}

// NewProber creates a prober feeding the given registry.
func NewProber(registry *Registry, opts ...ProberOption) *Prober {
	p := &Prober{
		registry: registry,
		client:   &http.Client{Timeout: defaultProbeTimeout},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe fetches the agent card from one base URL. The card is
// validated but not recorded; use Sweep to feed the registry.
func (p *Prober) Probe(ctx context.Context, baseURL string) (*AgentCard, error) {
	url := strings.TrimSuffix(baseURL, "/") + WellKnownPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("probe %s: status %d", baseURL, resp.StatusCode)
	}

	var card AgentCard
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		return nil, fmt.Errorf("probe %s: decode card: %w", baseURL, err)
	}
	if err := card.Validate(); err != nil {
		return nil, fmt.Errorf("probe %s: %w", baseURL, err)
	}
	return &card, nil
}

// Sweep probes every base URL and records the cards that answer.
// Unreachable endpoints are logged at debug level and skipped; a sweep
// is a best-effort census, not a health check. Returns the cards
// recorded for endpoints not previously known.
func (p *Prober) Sweep(ctx context.Context, baseURLs []string) []*AgentCard {
	var fresh []*AgentCard
	for _, u := range baseURLs {
		card, err := p.Probe(ctx, u)
		if err != nil {
			p.logger.Debug("probe failed",
				slog.String("url", u),
				slog.String("error", err.Error()),
			)
			continue
		}
		if p.registry.Upsert(*card) {
			fresh = append(fresh, card)
			p.logger.Info("discovered peer",
				slog.String("name", card.Name),
				slog.String("rpc", card.Endpoints.RPC),
			)
		}
	}
	return fresh
}
