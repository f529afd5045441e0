package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swparkaust/chat-with-ai/pkg/bus"
	"github.com/swparkaust/chat-with-ai/pkg/dispatch"
	"github.com/swparkaust/chat-with-ai/pkg/generation"
	"github.com/swparkaust/chat-with-ai/pkg/lock"
	"github.com/swparkaust/chat-with-ai/pkg/messaging"
	"github.com/swparkaust/chat-with-ai/pkg/providers"
	"github.com/swparkaust/chat-with-ai/pkg/queue"
	"github.com/swparkaust/chat-with-ai/pkg/store"
	"github.com/swparkaust/chat-with-ai/pkg/store/storetest"
	"github.com/swparkaust/chat-with-ai/pkg/timing"
)

type zeroOracle struct{ kinds []timing.Kind }

func (o *zeroOracle) DelayFor(_ context.Context, req timing.Request) time.Duration {
	o.kinds = append(o.kinds, req.Kind)
	return 0
}

type fixture struct {
	store     *store.SQLiteStore
	persona   store.Persona
	conv      store.Conversation
	locker    *lock.MemoryLocker
	queue     *queue.Queue
	oracle    *zeroOracle
	scheduler *Scheduler
	now       time.Time
	readHooks int
}

// newFixture wires a scheduler whose provider answers with replies in
// order; a reply of "!error" fails the call.
func newFixture(t *testing.T, provider providers.Provider) *fixture {
	t.Helper()
	s := storetest.New(t)
	p, conv := storetest.SeedConversation(t, s)
	f := &fixture{
		store:   s,
		persona: p,
		conv:    conv,
		locker:  lock.NewMemoryLocker(),
		oracle:  &zeroOracle{},
		now:     time.Now(),
	}
	f.queue = queue.New(s, 3)
	f.queue.SetClock(func() time.Time { return f.now })

	presence := messaging.NewPresence()
	receipts := messaging.NewReceipts(s, bus.NewEventBus(), presence)
	gen := generation.NewGenerator(provider, s, generation.NewContextBuilder(s, nil, 5), generation.Config{})
	d := dispatch.New(dispatch.Deps{
		Store:       s,
		Queue:       f.queue,
		Locker:      f.locker,
		Oracle:      f.oracle,
		Reevaluator: gen,
		Receipts:    receipts,
	}, dispatch.Config{})

	f.scheduler = New(Deps{
		Store:      s,
		Generator:  gen,
		Dispatcher: d,
		Queue:      f.queue,
		Locker:     f.locker,
		Oracle:     f.oracle,
		Receipts:   receipts,
		AfterRead:  []dispatch.Hook{func(context.Context, store.Conversation) { f.readHooks++ }},
	}, Config{InterruptPoll: 5 * time.Millisecond})
	f.scheduler.SetRandom(func() float64 { return 0 })
	return f
}

func scripted(replies ...string) providers.Provider {
	var i atomic.Int32
	return providers.ProviderFunc(func(ctx context.Context, prompt string, temperature float64) (string, error) {
		n := int(i.Add(1)) - 1
		if n >= len(replies) {
			return "", errors.New("script exhausted")
		}
		if replies[n] == "!error" {
			return "", &providers.Error{Kind: providers.ErrProvider, Err: errors.New("upstream 500")}
		}
		return replies[n], nil
	})
}

func (f *fixture) jobs(t *testing.T) []store.Job {
	t.Helper()
	jobs, err := f.store.ListJobs(context.Background(), f.conv.ID, store.JobPending, 50)
	require.NoError(t, err)
	return jobs
}

func (f *fixture) lockHeld(t *testing.T) bool {
	t.Helper()
	held, err := f.locker.IsHeld(context.Background(), lock.ConversationKey(f.conv.ID))
	require.NoError(t, err)
	return held
}

func (f *fixture) agentMessages(t *testing.T) int {
	t.Helper()
	n, err := f.store.CountUnread(context.Background(), f.conv.ID, store.SenderAgent)
	require.NoError(t, err)
	return n
}

func TestCycle_ProviderFailureWaitsOnce(t *testing.T) {
	f := newFixture(t, scripted("!error"))
	for _, text := range []string{"뭐해?", "자?", "ㅋㅋ"} {
		storetest.Human(t, f.store, f.conv.ID, text)
	}

	outcome, err := f.scheduler.Cycle(context.Background(), f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeWaiting, outcome)

	jobs := f.jobs(t)
	require.Len(t, jobs, 1)
	assert.Equal(t, queue.TypeDecide, jobs[0].JobType)
	assert.Equal(t, f.now.Add(30*time.Second).UnixMilli(), jobs[0].RunAfterMS)
	assert.Zero(t, f.agentMessages(t))
	assert.False(t, f.lockHeld(t))

	unread, err := f.store.CountUnread(context.Background(), f.conv.ID, store.SenderHuman)
	require.NoError(t, err)
	assert.Equal(t, 3, unread)
}

func TestCycle_WaitUsesDecisionDelay(t *testing.T) {
	f := newFixture(t, scripted(`{"action": "wait", "reason": "바쁨", "wait_seconds": 90}`))

	outcome, err := f.scheduler.Cycle(context.Background(), f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeWaiting, outcome)
	jobs := f.jobs(t)
	require.Len(t, jobs, 1)
	assert.Equal(t, f.now.Add(90*time.Second).UnixMilli(), jobs[0].RunAfterMS)
	assert.False(t, f.lockHeld(t))
}

func TestCycle_SkipsWhenLocked(t *testing.T) {
	f := newFixture(t, scripted())
	_, ok, err := f.locker.Acquire(context.Background(), lock.ConversationKey(f.conv.ID), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	outcome, err := f.scheduler.Cycle(context.Background(), f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeContended, outcome)
	assert.Empty(t, f.jobs(t))
	assert.True(t, f.lockHeld(t))
}

func TestCycle_InactiveConversationStops(t *testing.T) {
	f := newFixture(t, scripted())
	require.NoError(t, f.store.DeactivateConversation(context.Background(), f.conv.ID))

	outcome, err := f.scheduler.Cycle(context.Background(), f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInactive, outcome)
	assert.Empty(t, f.jobs(t))

	outcome, err = f.scheduler.Cycle(context.Background(), "conv-missing")
	require.NoError(t, err)
	assert.Equal(t, OutcomeInactive, outcome)
}

func TestCycle_RespondHandsTurnToDispatcher(t *testing.T) {
	f := newFixture(t, scripted(`{"action": "respond", "reason": "질문받음"}`, "응 방금 일어났어\n너는?"))
	storetest.Human(t, f.store, f.conv.ID, "일어났어?")

	outcome, err := f.scheduler.Cycle(context.Background(), f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDispatched, outcome)
	assert.Equal(t, []timing.Kind{timing.ThinkingBeforeResponse}, f.oracle.kinds)

	unread, err := f.store.CountUnread(context.Background(), f.conv.ID, store.SenderHuman)
	require.NoError(t, err)
	assert.Zero(t, unread)

	jobs := f.jobs(t)
	require.Len(t, jobs, 1)
	assert.Equal(t, queue.TypeFragmentStep, jobs[0].JobType)
	turn, err := dispatch.TurnFromPayload(jobs[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, []string{"응 방금 일어났어", "너는?"}, turn.Fragments)
	assert.Equal(t, generation.ModeRespond, turn.Mode)
	assert.NotEmpty(t, turn.LockToken)

	// The dispatcher owns the lock now.
	assert.True(t, f.lockHeld(t))
}

func TestCycle_InitiateThinksBeforeWriting(t *testing.T) {
	f := newFixture(t, scripted(`{"action": "initiate"}`, "심심해"))

	outcome, err := f.scheduler.Cycle(context.Background(), f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDispatched, outcome)
	assert.Equal(t, []timing.Kind{timing.ThinkingBeforeInitiate}, f.oracle.kinds)
}

func TestCycle_ReadOnlyMarksReadAndReschedules(t *testing.T) {
	f := newFixture(t, scripted(`{"action": "READ_ONLY", "reason": "나중에 답장"}`))
	storetest.Human(t, f.store, f.conv.ID, "ㅎㅇ")

	outcome, err := f.scheduler.Cycle(context.Background(), f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReadOnly, outcome)
	assert.Equal(t, 1, f.readHooks)

	unread, err := f.store.CountUnread(context.Background(), f.conv.ID, store.SenderHuman)
	require.NoError(t, err)
	assert.Zero(t, unread)

	jobs := f.jobs(t)
	require.Len(t, jobs, 1)
	assert.Equal(t, f.now.Add(30*time.Second).UnixMilli(), jobs[0].RunAfterMS)
	assert.False(t, f.lockHeld(t))
	assert.Zero(t, f.agentMessages(t))
}

func TestCycle_EmptyFragmentsRetryLater(t *testing.T) {
	f := newFixture(t, scripted(`{"action": "respond"}`, "!error"))
	storetest.Human(t, f.store, f.conv.ID, "여보세요")

	outcome, err := f.scheduler.Cycle(context.Background(), f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEmpty, outcome)

	jobs := f.jobs(t)
	require.Len(t, jobs, 1)
	assert.Equal(t, queue.TypeDecide, jobs[0].JobType)
	assert.Equal(t, f.now.Add(30*time.Second).UnixMilli(), jobs[0].RunAfterMS)
	assert.False(t, f.lockHeld(t))

	// Nothing was answered, so nothing was marked read.
	unread, err := f.store.CountUnread(context.Background(), f.conv.ID, store.SenderHuman)
	require.NoError(t, err)
	assert.Equal(t, 1, unread)
}

func TestCycle_HumanMessageInterruptsDecision(t *testing.T) {
	started := make(chan struct{})
	provider := providers.ProviderFunc(func(ctx context.Context, prompt string, _ float64) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})
	f := newFixture(t, provider)
	storetest.Human(t, f.store, f.conv.ID, "첫 메시지")

	go func() {
		<-started
		_, _ = f.store.AppendMessage(context.Background(), store.Message{ConversationID: f.conv.ID, Sender: store.SenderHuman, Content: "아 그리고"})
	}()

	outcome, err := f.scheduler.Cycle(context.Background(), f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInterrupted, outcome)
	assert.False(t, f.lockHeld(t))

	jobs := f.jobs(t)
	require.Len(t, jobs, 1)
	assert.Equal(t, queue.TypeDecide, jobs[0].JobType)
	assert.LessOrEqual(t, jobs[0].RunAfterMS, f.now.UnixMilli())
	assert.Zero(t, f.agentMessages(t))
}

type failingSeq struct{ *store.SQLiteStore }

func (failingSeq) LatestMessageSeq(context.Context, string) (int64, error) {
	return 0, errors.New("disk I/O error")
}

func TestCycle_PersistenceErrorReleasesLock(t *testing.T) {
	f := newFixture(t, scripted(`{"action": "respond"}`))
	deps := f.scheduler.deps
	deps.Store = failingSeq{f.store}
	sch := New(deps, f.scheduler.cfg)

	_, err := sch.Cycle(context.Background(), f.conv.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.False(t, f.lockHeld(t))
	assert.Empty(t, f.jobs(t))
}

func TestCycle_ContextCancelled(t *testing.T) {
	provider := providers.ProviderFunc(func(ctx context.Context, prompt string, _ float64) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	f := newFixture(t, provider)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := f.scheduler.Cycle(ctx, f.conv.ID)
	require.Error(t, err)
	assert.False(t, f.lockHeld(t))
}

func TestCycle_DecisionPromptSeesUnreadCount(t *testing.T) {
	var prompts []string
	provider := providers.ProviderFunc(func(_ context.Context, prompt string, _ float64) (string, error) {
		prompts = append(prompts, prompt)
		return `{"action": "wait", "wait_seconds": 10}`, nil
	})
	f := newFixture(t, provider)
	storetest.Human(t, f.store, f.conv.ID, "하나")
	storetest.Human(t, f.store, f.conv.ID, "둘")

	_, err := f.scheduler.Cycle(context.Background(), f.conv.ID)
	require.NoError(t, err)
	require.Len(t, prompts, 1)
	assert.True(t, strings.Contains(prompts[0], "Unread messages from the other person: 2"))
}
