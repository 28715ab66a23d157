package healing

import (
	"math/rand/v2"
	"time"
)

// Policy bounds retries for one stage.
type Policy struct {
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay" json:"max_delay"`
}

// DefaultPolicy is three attempts, 1s base, 10s cap.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
}

// Normalize fills zero fields from fallback.
func (p Policy) Normalize(fallback Policy) Policy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = fallback.MaxRetries
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = fallback.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = fallback.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// PolicyProvider resolves the policy for a stage name.
type PolicyProvider interface {
	Policy(stage string) Policy
}

// StaticPolicies is a fixed PolicyProvider.
type StaticPolicies struct {
	Default Policy
	Stages  map[string]Policy
}

// Policy implements PolicyProvider.
func (s StaticPolicies) Policy(stage string) Policy {
	def := s.Default.Normalize(DefaultPolicy())
	if p, ok := s.Stages[stage]; ok {
		return p.Normalize(def)
	}
	return def
}

// Delay computes the wait before the attempt following attempt n (1-based):
// min(base*2^(n-1) + jitter, cap), raised to floor when an adaptation asked for a longer wait.
func (p Policy) Delay(n int, jitter, floor time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.BaseDelay
	for i := 1; i < n && d < p.MaxDelay; i++ {
		d *= 2
	}
	d += jitter
	if floor > d {
		d = floor
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func defaultJitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(base)))
}
