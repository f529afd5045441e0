package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	// TemperatureCreative is used for decisions, replies and state evolution.
	TemperatureCreative = 1.0
	// TemperatureFocused is used for reevaluation and timing.
	TemperatureFocused = 0.7
)

// Provider generates text from a prompt. Implementations fail with an
// *Error whose Kind matches one of the sentinel errors below.
type Provider interface {
	GenerateText(ctx context.Context, prompt string, temperature float64) (string, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, prompt string, temperature float64) (string, error)

func (f ProviderFunc) GenerateText(ctx context.Context, prompt string, temperature float64) (string, error) {
	return f(ctx, prompt, temperature)
}

var (
	ErrContentBlocked  = errors.New("content blocked by safety policy")
	ErrRateLimited     = errors.New("rate limited")
	ErrInvalidResponse = errors.New("invalid provider response")
	ErrProvider        = errors.New("provider error")
)

// Error carries the provider name and failure kind. errors.Is matches the
// kind sentinel.
type Error struct {
	Provider string
	Kind     error
	Message  string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Err }

func newError(provider string, kind error, err error, format string, args ...interface{}) *Error {
	return &Error{Provider: provider, Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// classify maps a free-form failure message to an error kind.
func classify(message string) error {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "content_filter"),
		strings.Contains(lower, "safety"),
		strings.Contains(lower, "blocked"),
		strings.Contains(lower, "moderation"):
		return ErrContentBlocked
	case strings.Contains(lower, "429"),
		strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "rate_limit"),
		strings.Contains(lower, "too many requests"),
		strings.Contains(lower, "quota"):
		return ErrRateLimited
	default:
		return ErrProvider
	}
}
