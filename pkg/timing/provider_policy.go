package timing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/swparkaust/chat-with-ai/pkg/providers"
)

// ProviderPolicy asks the content provider how long to wait.
type ProviderPolicy struct {
	provider providers.Provider
	min, max float64
}

func NewProviderPolicy(p providers.Provider, min, max time.Duration) *ProviderPolicy {
	return &ProviderPolicy{provider: p, min: min.Seconds(), max: max.Seconds()}
}

func (p *ProviderPolicy) Delay(ctx context.Context, req Request) (time.Duration, error) {
	obj, err := providers.GenerateJSON(ctx, p.provider, p.prompt(req), providers.TemperatureFocused)
	if err != nil {
		return 0, err
	}
	s, ok := providers.Number(obj, "delay_seconds")
	if !ok {
		return 0, fmt.Errorf("timing policy: missing delay_seconds")
	}
	return seconds(s), nil
}

func describe(kind Kind) string {
	switch kind {
	case ThinkingBeforeResponse:
		return "You're about to respond to a message. How long should you wait before starting to type? (thinking time)"
	case ThinkingBeforeReadOnly:
		return "You're about to mark messages as read without responding. How long should you wait? (thinking time)"
	case ThinkingBeforeInitiate:
		return "You're about to start a new conversation. How long should you wait before typing? (thinking time)"
	case BetweenFragments:
		return "You're sending message fragments. How long should you wait between sending fragments? (typing speed)"
	default:
		return "How long should you wait?"
	}
}

func (p *ProviderPolicy) prompt(req Request) string {
	var b strings.Builder
	if req.PersonaContext != "" {
		b.WriteString(req.PersonaContext)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Timing Decision: %s\n", describe(req.Kind))
	if req.Fragment != "" {
		fmt.Fprintf(&b, "\nAdditional context:\n- fragment: %s\n- fragment_length: %d\n- remaining_fragments: %d\n",
			req.Fragment, len([]rune(req.Fragment)), req.Remaining)
	}
	fmt.Fprintf(&b, `
Consider:
- Your personality (fast/slow typer, impulsive/thoughtful)
- Your current emotional state (excited = faster, sad/tired = slower)
- Natural human typing speed and the fragment length

Respond with ONLY a JSON object:
{"delay_seconds": %.1f-%.1f (as a number, not a string)}
`, p.min, p.max)
	return b.String()
}
