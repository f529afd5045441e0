// Package timing produces human-plausible delays for thinking and typing.
package timing

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/swparkaust/chat-with-ai/pkg/logger"
)

type Kind string

const (
	ThinkingBeforeResponse Kind = "thinking_before_response"
	ThinkingBeforeReadOnly Kind = "thinking_before_read_only"
	ThinkingBeforeInitiate Kind = "thinking_before_initiate"
	BetweenFragments       Kind = "delay_between_fragments"
	Generic                Kind = "generic"
)

var defaultDelays = map[Kind]float64{
	ThinkingBeforeResponse: 1.0,
	ThinkingBeforeReadOnly: 0.8,
	ThinkingBeforeInitiate: 1.5,
	BetweenFragments:       2.5,
}

const genericFallbackSeconds = 1.0

// Request describes the delay being asked for.
type Request struct {
	Kind Kind
	// Fragment is the text about to be typed (fragment delays only).
	Fragment string
	// Remaining counts fragments still queued after this one.
	Remaining int
	// PersonaContext is prompt context describing the persona's current state.
	PersonaContext string
}

// Policy proposes a delay. Errors and non-positive values fall back to
// the static table.
type Policy interface {
	Delay(ctx context.Context, req Request) (time.Duration, error)
}

type Config struct {
	Min           time.Duration
	Max           time.Duration
	PolicyTimeout time.Duration
}

// Oracle clamps policy proposals into [Min, Max] and degrades to static
// defaults when the policy fails.
type Oracle struct {
	policy Policy
	cfg    Config
}

func NewOracle(policy Policy, cfg Config) *Oracle {
	if cfg.Min <= 0 {
		cfg.Min = 500 * time.Millisecond
	}
	if cfg.Max < cfg.Min {
		cfg.Max = 8 * time.Second
		if cfg.Max < cfg.Min {
			cfg.Max = cfg.Min
		}
	}
	if cfg.PolicyTimeout <= 0 {
		cfg.PolicyTimeout = 5 * time.Second
	}
	return &Oracle{policy: policy, cfg: cfg}
}

// DelayFor never blocks longer than the policy timeout or ctx allows.
func (o *Oracle) DelayFor(ctx context.Context, req Request) time.Duration {
	if o.policy == nil {
		return o.clamp(FallbackDelay(req))
	}

	pctx, cancel := context.WithTimeout(ctx, o.cfg.PolicyTimeout)
	defer cancel()

	d, err := o.policy.Delay(pctx, req)
	if err != nil || d <= 0 {
		fallback := FallbackDelay(req)
		fields := map[string]interface{}{
			"kind":     string(req.Kind),
			"fallback": fallback.Seconds(),
		}
		if err != nil {
			fields["error"] = err.Error()
		}
		logger.DebugCF("timing", "Using fallback delay", fields)
		return o.clamp(fallback)
	}
	return o.clamp(d)
}

func (o *Oracle) clamp(d time.Duration) time.Duration {
	if d < o.cfg.Min {
		return o.cfg.Min
	}
	if d > o.cfg.Max {
		return o.cfg.Max
	}
	return d
}

// FallbackDelay is the static default for req. Fragment delays scale with
// the fragment's length.
func FallbackDelay(req Request) time.Duration {
	if req.Kind == BetweenFragments && req.Fragment != "" {
		n := utf8.RuneCountInString(req.Fragment)
		switch {
		case n > 20:
			return seconds(2.5)
		case n > 10:
			return seconds(1.5)
		default:
			return seconds(0.8)
		}
	}
	if s, ok := defaultDelays[req.Kind]; ok {
		return seconds(s)
	}
	return seconds(genericFallbackSeconds)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
