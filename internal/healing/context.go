package healing

import (
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/outreach/internal/domain"
)

// Change keys understood by Context.Apply. Anything else lands in Context.Values.
const (
	KeyTimeout            = "timeout"
	KeyInsecureSkipVerify = "insecure_skip_verify"
	KeyTargetURL          = "target_url"
	KeyAlternateURLs      = "alternate_urls"
	KeyForceIPv4          = "force_ipv4"
	KeyMaxConns           = "max_conns"
	KeyRetryDelay         = "retry_delay"
	KeyValidationFeedback = "validation_feedback"
	HeaderPrefix          = "header."
)

// DefaultCallTimeout applies when a context carries no explicit timeout.
const DefaultCallTimeout = 10 * time.Second

// Context is the adaptable call context handed to each attempt.
type Context struct {
	TargetURL          string            `json:"target_url,omitempty"`
	AlternateURLs      []string          `json:"alternate_urls,omitempty"`
	Timeout            time.Duration     `json:"timeout,omitempty"`
	InsecureSkipVerify bool              `json:"insecure_skip_verify,omitempty"`
	Headers            map[string]string `json:"headers,omitempty"`
	ForceIPv4          bool              `json:"force_ipv4,omitempty"`
	MaxConns           int               `json:"max_conns,omitempty"`
	RetryDelay         time.Duration     `json:"retry_delay,omitempty"`
	Values             map[string]string `json:"values,omitempty"`
	Healed             bool              `json:"healed,omitempty"`
}

// Clone returns a copy that shares no maps or slices with c.
func (c Context) Clone() Context {
	out := c
	out.AlternateURLs = slices.Clone(c.AlternateURLs)
	out.Headers = maps.Clone(c.Headers)
	out.Values = maps.Clone(c.Values)
	return out
}

// EffectiveTimeout returns Timeout or DefaultCallTimeout.
func (c Context) EffectiveTimeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultCallTimeout
}

// Value returns a free-form value set by an adaptation.
func (c Context) Value(key string) string {
	return c.Values[key]
}

// Apply returns a copy of c with changes merged in. Malformed values are skipped.
func (c Context) Apply(changes []domain.Change) Context {
	out := c.Clone()
	if len(changes) == 0 {
		return out
	}
	for _, ch := range changes {
		switch {
		case ch.Key == KeyTimeout:
			if d, err := time.ParseDuration(ch.Value); err == nil && d > 0 {
				out.Timeout = d
			}
		case ch.Key == KeyInsecureSkipVerify:
			if b, err := strconv.ParseBool(ch.Value); err == nil {
				out.InsecureSkipVerify = b
			}
		case ch.Key == KeyTargetURL:
			if ch.Value != "" {
				out.TargetURL = ch.Value
			}
		case ch.Key == KeyAlternateURLs:
			out.AlternateURLs = splitList(ch.Value)
		case ch.Key == KeyForceIPv4:
			if b, err := strconv.ParseBool(ch.Value); err == nil {
				out.ForceIPv4 = b
			}
		case ch.Key == KeyMaxConns:
			if n, err := strconv.Atoi(ch.Value); err == nil && n > 0 {
				out.MaxConns = n
			}
		case ch.Key == KeyRetryDelay:
			if d, err := time.ParseDuration(ch.Value); err == nil && d >= 0 {
				out.RetryDelay = d
			}
		case strings.HasPrefix(ch.Key, HeaderPrefix):
			name := strings.TrimPrefix(ch.Key, HeaderPrefix)
			if name == "" {
				continue
			}
			if out.Headers == nil {
				out.Headers = make(map[string]string)
			}
			out.Headers[name] = ch.Value
		default:
			if ch.Key == "" {
				continue
			}
			if out.Values == nil {
				out.Values = make(map[string]string)
			}
			out.Values[ch.Key] = ch.Value
		}
	}
	out.Healed = true
	return out
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
