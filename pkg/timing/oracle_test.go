package timing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/swparkaust/chat-with-ai/pkg/providers"
)

type fixedPolicy struct {
	d   time.Duration
	err error
}

func (p fixedPolicy) Delay(context.Context, Request) (time.Duration, error) { return p.d, p.err }

type slowPolicy struct{}

func (slowPolicy) Delay(ctx context.Context, _ Request) (time.Duration, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func newOracle(p Policy) *Oracle {
	return NewOracle(p, Config{Min: 500 * time.Millisecond, Max: 8 * time.Second, PolicyTimeout: 100 * time.Millisecond})
}

func TestOracle_ClampsPolicy(t *testing.T) {
	ctx := context.Background()
	if got := newOracle(fixedPolicy{d: 30 * time.Second}).DelayFor(ctx, Request{Kind: ThinkingBeforeResponse}); got != 8*time.Second {
		t.Fatalf("expected clamp to max, got %v", got)
	}
	if got := newOracle(fixedPolicy{d: 100 * time.Millisecond}).DelayFor(ctx, Request{Kind: ThinkingBeforeResponse}); got != 500*time.Millisecond {
		t.Fatalf("expected clamp to min, got %v", got)
	}
	if got := newOracle(fixedPolicy{d: 3 * time.Second}).DelayFor(ctx, Request{Kind: ThinkingBeforeResponse}); got != 3*time.Second {
		t.Fatalf("expected policy value, got %v", got)
	}
}

func TestOracle_FallsBackOnErrorAndTimeout(t *testing.T) {
	ctx := context.Background()
	if got := newOracle(fixedPolicy{err: errors.New("down")}).DelayFor(ctx, Request{Kind: ThinkingBeforeInitiate}); got != 1500*time.Millisecond {
		t.Fatalf("expected initiate fallback, got %v", got)
	}
	if got := newOracle(fixedPolicy{}).DelayFor(ctx, Request{Kind: ThinkingBeforeReadOnly}); got != 800*time.Millisecond {
		t.Fatalf("expected read-only fallback for zero proposal, got %v", got)
	}

	start := time.Now()
	got := newOracle(slowPolicy{}).DelayFor(ctx, Request{Kind: "unknown"})
	if got != time.Second {
		t.Fatalf("expected generic fallback, got %v", got)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("policy timeout not enforced: %v", elapsed)
	}
}

func TestFallbackDelay_FragmentTiers(t *testing.T) {
	cases := []struct {
		fragment string
		want     time.Duration
	}{
		{"ㅋㅋ", 800 * time.Millisecond},
		{"오늘 뭐 했어 너는??", 1500 * time.Millisecond},
		{"아 진짜 오늘 수업 너무 길어서 죽는 줄 알았어", 2500 * time.Millisecond},
		{"", 2500 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := FallbackDelay(Request{Kind: BetweenFragments, Fragment: tc.fragment}); got != tc.want {
			t.Errorf("FallbackDelay(%q) = %v, want %v", tc.fragment, got, tc.want)
		}
	}
}

func TestProviderPolicy(t *testing.T) {
	var seenTemp float64
	p := providers.ProviderFunc(func(_ context.Context, _ string, temp float64) (string, error) {
		seenTemp = temp
		return `{"delay_seconds": 2.5}`, nil
	})
	o := newOracle(NewProviderPolicy(p, 500*time.Millisecond, 8*time.Second))
	if got := o.DelayFor(context.Background(), Request{Kind: BetweenFragments, Fragment: "안녕"}); got != 2500*time.Millisecond {
		t.Fatalf("expected 2.5s, got %v", got)
	}
	if seenTemp != providers.TemperatureFocused {
		t.Fatalf("expected focused temperature, got %v", seenTemp)
	}

	garbage := providers.ProviderFunc(func(context.Context, string, float64) (string, error) { return "two seconds", nil })
	o = newOracle(NewProviderPolicy(garbage, 500*time.Millisecond, 8*time.Second))
	if got := o.DelayFor(context.Background(), Request{Kind: BetweenFragments, Fragment: "안녕"}); got != 800*time.Millisecond {
		t.Fatalf("expected short-fragment fallback, got %v", got)
	}
}
