package httpcall

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rendis/taskflow/pkg/schema"
)

// CircuitState is the position of one host's circuit.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// BreakerConfig tunes the per-host circuits. After FailureThreshold
// consecutive failures calls are refused for Cooldown, then HalfOpenMax
// probes are let through.
type BreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
	HalfOpenMax      int
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second, HalfOpenMax: 1}
}

// BreakerStats is a point-in-time view of one circuit.
type BreakerStats struct {
	Host      string        `json:"host"`
	State     CircuitState  `json:"state"`
	Failures  int           `json:"consecutive_failures"`
	Threshold int           `json:"failure_threshold"`
	Cooldown  time.Duration `json:"cooldown"`
	OpenedAt  time.Time     `json:"opened_at,omitempty"`
}

type circuit struct {
	state    CircuitState
	failures int
	openedAt time.Time
	probes   int
}

// Breakers keeps one circuit per remote host behind a single lock.
type Breakers struct {
	cfg   BreakerConfig
	clock clock.Clock

	mu       sync.Mutex
	circuits map[string]*circuit
}

// NewBreakers fills zero config fields from DefaultBreakerConfig. A nil clock
// means the wall clock.
func NewBreakers(cfg BreakerConfig, clk clock.Clock) *Breakers {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = def.HalfOpenMax
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Breakers{cfg: cfg, clock: clk, circuits: map[string]*circuit{}}
}

// circuitFor returns host's circuit with an expired cooldown already applied.
// Callers hold mu.
func (r *Breakers) circuitFor(host string) *circuit {
	c := r.circuits[host]
	if c == nil {
		c = &circuit{state: CircuitClosed}
		r.circuits[host] = c
	}
	if c.state == CircuitOpen && !r.clock.Now().Before(c.openedAt.Add(r.cfg.Cooldown)) {
		c.state = CircuitHalfOpen
		c.probes = 0
	}
	return c
}

// Allow admits a request to host or refuses it with a retryable CIRCUIT_OPEN
// error, so node retry policies back off until the cooldown ends.
func (r *Breakers) Allow(host string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.circuitFor(host)
	switch c.state {
	case CircuitOpen:
		remaining := c.openedAt.Add(r.cfg.Cooldown).Sub(r.clock.Now())
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for %s after %d consecutive failures", host, c.failures).
			WithDetails(map[string]any{
				"host":                 host,
				"consecutive_failures": c.failures,
				"retry_in":             remaining.String(),
			})
	case CircuitHalfOpen:
		if c.probes >= r.cfg.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen, "circuit for %s is probing", host).
				WithDetails(map[string]any{"host": host})
		}
		c.probes++
	}
	return nil
}

// RecordSuccess closes host's circuit and clears its failure count.
func (r *Breakers) RecordSuccess(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.circuits[host] = &circuit{state: CircuitClosed}
}

// RecordFailure counts a failure against host. A failed probe reopens the
// circuit at once. The resulting state is returned.
func (r *Breakers) RecordFailure(host string) CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.circuitFor(host)
	c.failures++
	if c.state == CircuitHalfOpen || c.failures >= r.cfg.FailureThreshold {
		c.state = CircuitOpen
		c.openedAt = r.clock.Now()
	}
	return c.state
}

func (r *Breakers) State(host string) CircuitState {
	return r.Stats(host).State
}

func (r *Breakers) Stats(host string) BreakerStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.circuitFor(host)
	return BreakerStats{
		Host:      host,
		State:     c.state,
		Failures:  c.failures,
		Threshold: r.cfg.FailureThreshold,
		Cooldown:  r.cfg.Cooldown,
		OpenedAt:  c.openedAt,
	}
}
