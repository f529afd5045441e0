package generation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swparkaust/chat-with-ai/pkg/memory"
	"github.com/swparkaust/chat-with-ai/pkg/providers"
	"github.com/swparkaust/chat-with-ai/pkg/store"
	"github.com/swparkaust/chat-with-ai/pkg/store/storetest"
)

type scripted struct {
	mu      sync.Mutex
	text    string
	err     error
	prompts []string
	temps   []float64
}

func (s *scripted) GenerateText(_ context.Context, prompt string, temperature float64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	s.temps = append(s.temps, temperature)
	return s.text, s.err
}

func newGenerator(t *testing.T, p providers.Provider) (*Generator, *store.SQLiteStore, store.Persona, store.Conversation) {
	t.Helper()
	s := storetest.New(t)
	persona, conv := storetest.SeedConversation(t, s)
	engine := memory.NewEngine(s, nil, memory.Config{})
	g := NewGenerator(p, s, NewContextBuilder(s, engine, 5), Config{})
	return g, s, persona, conv
}

func TestDecide_DegradesOnProviderFailure(t *testing.T) {
	cases := []struct {
		name   string
		text   string
		err    error
		action Action
		wait   time.Duration
		reason string
	}{
		{"provider error", "", &providers.Error{Kind: providers.ErrProvider}, ActionWait, 30 * time.Second, reasonFailed},
		{"rate limited", "", &providers.Error{Kind: providers.ErrRateLimited}, ActionWait, 30 * time.Second, reasonFailed},
		{"blocked", "", &providers.Error{Kind: providers.ErrContentBlocked}, ActionWait, 60 * time.Second, reasonBlocked},
		{"malformed", "I think I'll respond", nil, ActionWait, 30 * time.Second, reasonFailed},
		{"unknown action", `{"action":"dance"}`, nil, ActionWait, 30 * time.Second, reasonFailed},
		{"wait without seconds", `{"action":"wait","reason":"바쁨"}`, nil, ActionWait, 30 * time.Second, "바쁨"},
		{"wait clamped low", `{"action":"wait","wait_seconds":2}`, nil, ActionWait, 10 * time.Second, ""},
		{"wait clamped high", `{"action":"wait","wait_seconds":"9000"}`, nil, ActionWait, 300 * time.Second, ""},
		{"respond", `{"action":"respond","reason":"궁금함"}`, nil, ActionRespond, 0, "궁금함"},
		{"read only", "```json\n{\"action\":\"READ_ONLY\"}\n```", nil, ActionReadOnly, 0, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := &scripted{text: tc.text, err: tc.err}
			g, _, _, conv := newGenerator(t, p)
			d, err := g.Decide(context.Background(), conv)
			require.NoError(t, err)
			assert.Equal(t, tc.action, d.Action)
			assert.Equal(t, tc.wait, d.Wait)
			assert.Equal(t, tc.reason, d.Reason)
			require.Len(t, p.temps, 1)
			assert.Equal(t, providers.TemperatureCreative, p.temps[0])
		})
	}
}

func TestDecide_PromptCarriesUnreadCounts(t *testing.T) {
	p := &scripted{text: `{"action":"respond"}`}
	g, s, _, conv := newGenerator(t, p)
	for _, text := range []string{"야", "자?", "뭐해"} {
		storetest.Human(t, s, conv.ID, text)
	}
	_, err := s.AppendMessage(context.Background(), store.Message{ConversationID: conv.ID, Sender: store.SenderAgent, Content: "ㅋㅋ"})
	require.NoError(t, err)

	_, err = g.Decide(context.Background(), conv)
	require.NoError(t, err)
	prompt := p.prompts[0]
	assert.Contains(t, prompt, "Unread messages from the other person: 3")
	assert.Contains(t, prompt, "Your messages they have not read yet: 1")
	assert.Contains(t, prompt, "cli:local: 뭐해 (안읽음)")
	assert.Contains(t, prompt, "You are 김지은")
}

func TestDecide_PropagatesPersistenceErrors(t *testing.T) {
	g, _, _, conv := newGenerator(t, &scripted{text: `{"action":"respond"}`})
	conv.PersonaID = "persona-missing"
	_, err := g.Decide(context.Background(), conv)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestFragments(t *testing.T) {
	p := &scripted{text: "\n 안녕 \n\nㅋㅋ\n   \n뭐해\n"}
	g, s, _, conv := newGenerator(t, p)
	storetest.Human(t, s, conv.ID, "심심해")

	got, err := g.Fragments(context.Background(), conv, ModeRespond)
	require.NoError(t, err)
	assert.Equal(t, []string{"안녕", "ㅋㅋ", "뭐해"}, got)
	assert.Contains(t, p.prompts[0], "New unread messages from the other person:\n[")
	assert.Contains(t, p.prompts[0], "cli:local: 심심해\n")

	p.err = &providers.Error{Kind: providers.ErrInvalidResponse}
	got, err = g.Fragments(context.Background(), conv, ModeInitiate)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Contains(t, p.prompts[1], "start a conversation with cli:local")
}

func TestReevaluate(t *testing.T) {
	ctx := context.Background()
	p := &scripted{}
	g, _, _, conv := newGenerator(t, p)

	v, err := g.Reevaluate(ctx, conv, []string{"안녕"}, nil)
	require.NoError(t, err)
	assert.True(t, v.Continue)
	assert.Empty(t, p.prompts, "empty remaining must not call the provider")

	p.text = `{"reason":"그대로"}`
	v, err = g.Reevaluate(ctx, conv, []string{"안녕"}, []string{"ㅋㅋ"})
	require.NoError(t, err)
	assert.True(t, v.Continue, "missing should_continue means continue")
	assert.Nil(t, v.Replacement)
	assert.Equal(t, providers.TemperatureFocused, p.temps[0])
	assert.Contains(t, p.prompts[0], "나 (방금 보냄): 안녕")
	assert.Contains(t, p.prompts[0], "[보낼 예정] ㅋㅋ")

	p.text = `{"should_continue": false, "reason":"말 끊김"}`
	v, err = g.Reevaluate(ctx, conv, []string{"안녕"}, []string{"ㅋㅋ"})
	require.NoError(t, err)
	assert.False(t, v.Continue)
	assert.Equal(t, "말 끊김", v.Reason)

	p.text = `{"should_continue": true, "updated_fragments": ["아 잠만", "전화왔다"]}`
	v, err = g.Reevaluate(ctx, conv, []string{"안녕"}, []string{"ㅋㅋ"})
	require.NoError(t, err)
	assert.True(t, v.Continue)
	assert.Equal(t, []string{"아 잠만", "전화왔다"}, v.Replacement)

	p.text, p.err = "", errors.New("boom")
	v, err = g.Reevaluate(ctx, conv, []string{"안녕"}, []string{"ㅋㅋ"})
	require.NoError(t, err)
	assert.True(t, v.Continue)
	assert.Nil(t, v.Replacement)
}

func TestContextBuilder_RecallsMemories(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	persona, conv := storetest.SeedConversation(t, s)
	faded, err := s.InsertMemory(ctx, store.Memory{PersonaID: persona.ID, Content: "한강에서 치킨 먹음", Significance: 8, DetailLevel: 0.3, Tags: []string{"설렘"}})
	require.NoError(t, err)

	engine := memory.NewEngine(s, nil, memory.Config{})
	b := NewContextBuilder(s, engine, 5)
	b.now = func() time.Time { return time.Date(2026, 6, 1, 12, 0, 0, 0, time.Local) }

	got, err := b.Build(ctx, persona.ID, &conv)
	require.NoError(t, err)
	assert.Contains(t, got.Context, "You are 김지은, a 25-year-old Korean person.")
	assert.Contains(t, got.Context, "한강에서 치킨 먹음 (기억이 많이 희미함)")
	assert.Contains(t, got.Context, "Emotions: 설렘, 피곤함")
	assert.Contains(t, got.Context, "Context: 시험 기간")
	assert.Contains(t, got.Context, "Birthday Year: 2001")
	assert.False(t, strings.Contains(got.Context, "Emotion Timestamp"))

	m, err := s.GetMemory(ctx, faded.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, m.RecallCount)
}

func TestTask_AwaitInterruptCancels(t *testing.T) {
	var cancelled atomic.Bool
	task := Start(context.Background(), func(ctx context.Context) string {
		<-ctx.Done()
		cancelled.Store(true)
		return "late"
	})
	var probes atomic.Int32
	got, err := task.Await(context.Background(), 5*time.Millisecond, func(context.Context) (bool, error) {
		return probes.Add(1) >= 3, nil
	}, "fallback")
	require.ErrorIs(t, err, ErrInterrupted)
	assert.Equal(t, "fallback", got)
	require.Eventually(t, cancelled.Load, time.Second, 5*time.Millisecond)
}

func TestTask_AwaitResultAndProbeError(t *testing.T) {
	task := Start(context.Background(), func(context.Context) int { return 7 })
	got, err := task.Await(context.Background(), time.Millisecond, func(context.Context) (bool, error) { return false, nil }, -1)
	require.NoError(t, err)
	assert.Equal(t, 7, got)

	boom := errors.New("db gone")
	slow := Start(context.Background(), func(ctx context.Context) int { <-ctx.Done(); return 0 })
	got, err = slow.Await(context.Background(), time.Millisecond, func(context.Context) (bool, error) { return false, boom }, -1)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, -1, got)
}

func TestSleep(t *testing.T) {
	require.NoError(t, Sleep(context.Background(), 10*time.Millisecond, time.Millisecond, nil))

	start := time.Now()
	err := Sleep(context.Background(), time.Hour, 5*time.Millisecond, func(context.Context) (bool, error) { return true, nil })
	require.ErrorIs(t, err, ErrInterrupted)
	assert.Less(t, time.Since(start), time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Sleep(ctx, time.Hour, 5*time.Millisecond, nil), context.Canceled)
}
