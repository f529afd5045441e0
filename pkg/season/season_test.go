package season

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swparkaust/chat-with-ai/pkg/bus"
	"github.com/swparkaust/chat-with-ai/pkg/lock"
	"github.com/swparkaust/chat-with-ai/pkg/providers"
	"github.com/swparkaust/chat-with-ai/pkg/store"
	"github.com/swparkaust/chat-with-ai/pkg/store/storetest"
)

const personaJSON = `{
	"first_name": "민준",
	"last_name": "박",
	"status_message": "출근중",
	"birthday_year": 2000,
	"birthday_month": 7,
	"birthday_day": 2,
	"sex": "male",
	"occupation": "판교 스타트업 백엔드 개발자",
	"interests": "클라이밍",
	"values": ["성실함"],
	"emotions": ["기대감"],
	"context": "2026년 10월 15일 오전 9시, 신분당선 안",
	"memories": [
		{"content": "2019년 봄 처음 클라이밍장에 감", "significance": 7, "emotional_intensity": 6, "tags": ["클라이밍"]},
		{"content": "첫 출근날", "significance": 42},
		{"significance": 3}
	]
}`

func recorder(text string, err error) (providers.Provider, *[]string) {
	var prompts []string
	return providers.ProviderFunc(func(_ context.Context, prompt string, _ float64) (string, error) {
		prompts = append(prompts, prompt)
		return text, err
	}), &prompts
}

func TestRandomPrompt(t *testing.T) {
	assert.Equal(t, "20대 초반 대학생 남자, 활발한 성격", RandomPrompt(func(int) int { return 0 }))
	assert.Equal(t, "20대 후반 취업준비생 여자, 낭만적인 성격", RandomPrompt(func(n int) int { return n - 1 }))
}

func TestDue(t *testing.T) {
	start := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	p := store.Persona{Active: true, StartedAtMS: start.UnixMilli()}
	period := 90 * 24 * time.Hour

	assert.False(t, Due(p, start.Add(89*24*time.Hour), period))
	assert.True(t, Due(p, start.Add(period), period))
	p.Active = false
	assert.False(t, Due(p, start.Add(200*24*time.Hour), period))
}

func TestGenerate_NormalizesFields(t *testing.T) {
	now := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	p, prompts := recorder(personaJSON, nil)

	d := Generate(context.Background(), p, "20대 중반 직장인 남자, 진지한 성격", now)
	require.False(t, d.Fallback)
	assert.Contains(t, (*prompts)[0], "20대 중반 직장인 남자, 진지한 성격")
	assert.Equal(t, "민준", d.FirstName)
	assert.Equal(t, "박", d.LastName)
	assert.Equal(t, "출근중", d.StatusMessage)
	assert.Equal(t, []string{"클라이밍"}, d.Attributes.Strings("interests"))
	assert.Equal(t, []string{"성실함"}, d.Attributes.Strings("values"))
	assert.Equal(t, store.AttrBirthdayYear, d.Attributes.Keys()[0])
	_, hasMemories := d.Attributes.Get("memories")
	assert.False(t, hasMemories)
	ts, ok := d.Attributes.EmotionTimestamp()
	require.True(t, ok)
	assert.Equal(t, now.Unix(), ts.Unix())

	require.Len(t, d.Memories, 2)
	assert.Equal(t, 7.0, d.Memories[0].Significance)
	assert.Equal(t, []string{"클라이밍"}, d.Memories[0].Tags)
	assert.Equal(t, 5.0, d.Memories[1].Significance, "out of range scores fall back to the default")
	assert.Equal(t, 5.0, d.Memories[1].EmotionalIntensity)
	assert.Equal(t, 1.0, d.Memories[1].DetailLevel)
}

func TestGenerate_FallbackOnFailure(t *testing.T) {
	now := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	p, _ := recorder("", &providers.Error{Kind: providers.ErrProvider, Err: errors.New("boom")})
	d := Generate(context.Background(), p, "x", now)
	assert.True(t, d.Fallback)
	assert.NotEmpty(t, d.FirstName)
	assert.NotEmpty(t, d.Attributes.Emotions())

	p, _ = recorder(`{"status_message": "no name"}`, nil)
	d = Generate(context.Background(), p, "x", now)
	assert.True(t, d.Fallback)
}

func TestRotator_RotateIfDue(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	old, conv := storetest.SeedConversation(t, s)
	b := bus.NewEventBus()
	defer b.Close()
	sub := b.Subscribe(bus.AllConversations)
	defer sub.Cancel()

	p, prompts := recorder(personaJSON, nil)
	r := NewRotator(p, s, lock.NewMemoryLocker(), b, Config{})
	r.intn = func(int) int { return 0 }

	rotated, err := r.RotateIfDue(ctx)
	require.NoError(t, err)
	assert.False(t, rotated)
	assert.Empty(t, *prompts)

	later := time.UnixMilli(old.StartedAtMS).Add(91 * 24 * time.Hour)
	r.now = func() time.Time { return later }
	rotated, err = r.RotateIfDue(ctx)
	require.NoError(t, err)
	require.True(t, rotated)
	require.Len(t, *prompts, 1)
	assert.Contains(t, (*prompts)[0], "20대 초반 대학생 남자, 활발한 성격")

	active, err := s.ActivePersona(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, active.ID)
	assert.Equal(t, "박민준", active.FullName())
	assert.Equal(t, later.UnixMilli(), active.StartedAtMS)

	retired, err := s.GetPersona(ctx, old.ID)
	require.NoError(t, err)
	assert.False(t, retired.Active)
	assert.Equal(t, later.UnixMilli(), retired.EndedAtMS)
	gotConv, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.False(t, gotConv.Active)

	memories, err := s.ListMemories(ctx, active.ID)
	require.NoError(t, err)
	assert.Len(t, memories, 2)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, bus.EventSeasonRotated, ev.Type)
		assert.Equal(t, active.ID, ev.PersonaID)
	case <-time.After(time.Second):
		t.Fatal("no season_rotated event")
	}

	rotated, err = r.RotateIfDue(ctx)
	require.NoError(t, err)
	assert.False(t, rotated, "the new persona is not due yet")
}

func TestRotator_SkipsWhileLocked(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	storetest.SeedConversation(t, s)
	locker := lock.NewMemoryLocker()
	_, ok, err := locker.Acquire(ctx, lock.SeasonRotationKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	p, prompts := recorder(personaJSON, nil)
	r := NewRotator(p, s, locker, nil, Config{LockWait: 50 * time.Millisecond})
	_, err = r.Rotate(ctx, "")
	require.Error(t, err)
	assert.Empty(t, *prompts)
}

func TestRotator_Initialize(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	p, _ := recorder("", errors.New("offline"))
	r := NewRotator(p, s, nil, nil, Config{})

	created, err := r.Initialize(ctx, "20대 후반 프리랜서 여자, 조용한 성격")
	require.NoError(t, err)
	assert.True(t, created.Active)

	active, err := s.ActivePersona(ctx)
	require.NoError(t, err)
	assert.Equal(t, created.ID, active.ID)

	_, err = r.Initialize(ctx, "")
	assert.ErrorIs(t, err, ErrActivePersona)
}
