package engine

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/radioq/sms-relay/internal/core"
	"github.com/radioq/sms-relay/internal/events"
	"github.com/radioq/sms-relay/internal/transport"
)

// memStore mirrors the Postgres store's contract closely enough for
// scheduler tests: monotonic transitions, derived aggregates, claim
// eligibility and the dispatch timestamp.
type memStore struct {
	mu   sync.Mutex
	msgs map[string]*core.MessageWithRecipients
	seq  int64
}

func newMemStore() *memStore {
	return &memStore{msgs: make(map[string]*core.MessageWithRecipients)}
}

func (m *memStore) add(msg *core.MessageWithRecipients) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	msg.Seq = m.seq
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().Add(time.Duration(m.seq) * time.Millisecond)
	}
	msg.State = core.StatePending
	m.msgs[msg.ID] = msg
}

func (m *memStore) ClaimNextPending(_ context.Context, order core.ProcessingOrder) (*core.MessageWithRecipients, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*core.MessageWithRecipients
	for _, msg := range m.msgs {
		if msg.State != core.StatePending {
			continue
		}
		if derived := core.Aggregate(msg.RecipientStates()); derived != core.StatePending {
			msg.State = derived
			continue
		}
		if len(msg.PendingPhoneNumbers()) == 0 {
			continue
		}
		candidates = append(candidates, msg)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if order == core.OrderLIFO {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return copyMsg(candidates[0]), nil
}

func (m *memStore) Get(_ context.Context, id string) (*core.MessageWithRecipients, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.msgs[id]
	if !ok {
		return nil, core.ErrMessageNotFound
	}
	msg.State = core.Aggregate(msg.RecipientStates())
	return copyMsg(msg), nil
}

func (m *memStore) UpdateRecipientState(_ context.Context, id, phone string, state core.ProcessingState, reason *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.msgs[id]
	if !ok {
		return false, core.ErrMessageNotFound
	}
	for i := range msg.Recipients {
		r := &msg.Recipients[i]
		if r.PhoneNumber != phone {
			continue
		}
		if !core.CanTransition(r.State, state) {
			return false, nil
		}
		r.State = state
		r.Error = reason
		msg.State = core.Aggregate(msg.RecipientStates())
		return true, nil
	}
	return false, nil
}

func (m *memStore) UpdateAllRecipientsState(_ context.Context, id string, state core.ProcessingState, reason *string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.msgs[id]
	if !ok {
		return 0, core.ErrMessageNotFound
	}
	changed := 0
	for i := range msg.Recipients {
		r := &msg.Recipients[i]
		if core.CanTransition(r.State, state) {
			r.State = state
			r.Error = reason
			changed++
		}
	}
	msg.State = core.Aggregate(msg.RecipientStates())
	return changed, nil
}

func (m *memStore) SetSimNumber(_ context.Context, id string, sim int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := m.msgs[id]; ok {
		msg.SimNumber = &sim
	}
	return nil
}

func (m *memStore) SetPartsCount(_ context.Context, id string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := m.msgs[id]; ok {
		msg.PartsCount = &n
	}
	return nil
}

func (m *memStore) MarkDispatched(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := m.msgs[id]; ok && msg.ProcessedAt == nil {
		now := time.Now()
		msg.ProcessedAt = &now
	}
	return nil
}

func (m *memStore) CountProcessedSince(_ context.Context, since time.Time) (int, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	var last time.Time
	for _, msg := range m.msgs {
		if msg.State == core.StateFailed || msg.ProcessedAt == nil || msg.ProcessedAt.Before(since) {
			continue
		}
		count++
		if msg.ProcessedAt.After(last) {
			last = *msg.ProcessedAt
		}
	}
	return count, last, nil
}

func (m *memStore) recipientState(t *testing.T, id, phone string) core.Recipient {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.msgs[id]
	require.True(t, ok)
	for _, r := range msg.Recipients {
		if r.PhoneNumber == phone {
			return r
		}
	}
	t.Fatalf("recipient %s not found on %s", phone, id)
	return core.Recipient{}
}

func copyMsg(msg *core.MessageWithRecipients) *core.MessageWithRecipients {
	out := *msg
	out.Recipients = append([]core.Recipient(nil), msg.Recipients...)
	return &out
}

// fakeTransport records sends and lets tests inject per-recipient failures.
type fakeTransport struct {
	mu       sync.Mutex
	sends    []transport.SendRequest
	channels []int
	sendErr  func(req transport.SendRequest) error
}

func (f *fakeTransport) AvailableChannels(context.Context) ([]int, error) {
	return append([]int(nil), f.channels...), nil
}

func (f *fakeTransport) Segment(text string) []string {
	// Fixed 5-char segments keep parts counts predictable.
	var parts []string
	for len(text) > 5 {
		parts = append(parts, text[:5])
		text = text[5:]
	}
	return append(parts, text)
}

func (f *fakeTransport) Send(_ context.Context, req transport.SendRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		if err := f.sendErr(req); err != nil {
			return err
		}
	}
	f.sends = append(f.sends, req)
	return nil
}

func (f *fakeTransport) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

type staticSettings struct{ s Settings }

func (p staticSettings) Settings() Settings { return p.s }

type plainCrypto struct{}

func (plainCrypto) Decrypt(s string) (string, error) { return s, nil }

type noMedia struct{}

func (noMedia) ResolveBytes(context.Context, string) ([]byte, error) {
	return nil, errors.New("unavailable")
}

// sleepRecorder replaces real sleeping so scheduler timing is observable
// without waiting.
type sleepRecorder struct {
	mu   sync.Mutex
	durs []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.durs = append(r.durs, d)
}

func (r *sleepRecorder) atLeast(d time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, v := range r.durs {
		if v >= d {
			n++
		}
	}
	return n
}

func newTestEngine(store Store, tr transport.Transport, s Settings) (*Engine, *sleepRecorder, *events.Bus) {
	bus := events.NewBus()
	e := New(Options{
		Store:     store,
		Transport: tr,
		Settings:  staticSettings{s},
		Bus:       bus,
		Crypto:    plainCrypto{},
		Media:     noMedia{},
		Log:       zerolog.Nop(),
	})
	rec := &sleepRecorder{}
	e.sleep = rec.sleep
	e.randN = func(int) int { return 0 }
	e.rand64N = func(n int64) int64 { return n - 1 } // pace at range max
	return e, rec, bus
}

func pendingMsg(id string, priority int, content core.Content, phones ...string) *core.MessageWithRecipients {
	m := &core.MessageWithRecipients{
		Message: core.Message{
			ID:                  id,
			Content:             content,
			Source:              core.SourceLocal,
			Priority:            priority,
			WithDeliveryReport:  true,
			SkipPhoneValidation: true,
		},
	}
	for _, p := range phones {
		m.Recipients = append(m.Recipients, core.Recipient{MessageID: id, PhoneNumber: p, State: core.StatePending})
	}
	return m
}

func TestDrain_TTLExpiredFailsWithoutTransport(t *testing.T) {
	store := newMemStore()
	tr := &fakeTransport{}
	e, rec, _ := newTestEngine(store, tr, Settings{
		ProcessingOrder: core.OrderFIFO,
		PacingMin:       2 * time.Second,
		PacingMax:       2 * time.Second,
	})

	msg := pendingMsg("expired", core.PriorityDefault, core.TextContent{Text: "late"}, "+15550001")
	past := time.Now().Add(-time.Minute)
	msg.ValidUntil = &past
	store.add(msg)

	e.Drain(context.Background())

	r := store.recipientState(t, "expired", "+15550001")
	require.Equal(t, core.StateFailed, r.State)
	require.Equal(t, "TTL expired", *r.Error)
	require.Zero(t, tr.sendCount())
	// Not-sent messages skip pacing entirely.
	require.Zero(t, rec.atLeast(2*time.Second))
}

func TestDrain_DispatchHappyPath(t *testing.T) {
	store := newMemStore()
	tr := &fakeTransport{}
	e, _, _ := newTestEngine(store, tr, Settings{ProcessingOrder: core.OrderFIFO})

	store.add(pendingMsg("m-1", core.PriorityDefault, core.TextContent{Text: "hello world!"}, "+15550001"))
	e.Drain(context.Background())

	require.Equal(t, 1, tr.sendCount())
	require.Equal(t, core.StateProcessed, store.recipientState(t, "m-1", "+15550001").State)

	msg, err := store.Get(context.Background(), "m-1")
	require.NoError(t, err)
	require.NotNil(t, msg.ProcessedAt)
	// "hello world!" splits into 5+5+2.
	require.Equal(t, 3, *msg.PartsCount)
}

func TestDrain_ExpeditedSkipsPacingOnce(t *testing.T) {
	store := newMemStore()
	tr := &fakeTransport{}
	e, rec, _ := newTestEngine(store, tr, Settings{
		ProcessingOrder: core.OrderFIFO,
		PacingMin:       2 * time.Second,
		PacingMax:       2 * time.Second,
	})

	store.add(pendingMsg("a", core.PriorityDefault, core.TextContent{Text: "first"}, "+15550001"))
	store.add(pendingMsg("b", core.PriorityExpedited, core.TextContent{Text: "urgent"}, "+15550002"))

	e.Drain(context.Background())

	require.Equal(t, 2, tr.sendCount())
	// b is claimed first (priority), bypasses pacing; a then paces once.
	require.Equal(t, 1, rec.atLeast(2*time.Second))
}

func TestDrain_SecondConsecutiveExpeditedHitsLimit(t *testing.T) {
	store := newMemStore()
	tr := &fakeTransport{}
	period := time.Minute
	e, rec, _ := newTestEngine(store, tr, Settings{
		ProcessingOrder: core.OrderFIFO,
		LimitPeriod:     period,
		LimitValue:      1,
	})

	store.add(pendingMsg("x1", core.PriorityExpedited, core.TextContent{Text: "one"}, "+15550001"))
	store.add(pendingMsg("x2", core.PriorityExpedited, core.TextContent{Text: "two"}, "+15550002"))

	e.Drain(context.Background())

	require.Equal(t, 2, tr.sendCount())
	// First expedited jumps the gate; the second one, at equal priority,
	// must wait out the window.
	require.Equal(t, 1, rec.atLeast(period/2))
}

func TestDrain_RoundRobinDeterministic(t *testing.T) {
	store := newMemStore()
	tr := &fakeTransport{channels: []int{0, 1, 2}}
	e, _, _ := newTestEngine(store, tr, Settings{
		ProcessingOrder: core.OrderFIFO,
		SimSelection:    SimRoundRobin,
	})

	for _, id := range []string{"m-1", "m-2", "m-3", "m-4"} {
		store.add(pendingMsg(id, core.PriorityDefault, core.TextContent{Text: "hi"}, "+15550001"))
	}
	e.Drain(context.Background())

	require.Equal(t, 4, tr.sendCount())
	for _, req := range tr.sends {
		msg, err := store.Get(context.Background(), req.Ref.MessageID)
		require.NoError(t, err)
		want := int(msg.Seq % 3)
		require.NotNil(t, req.Channel)
		require.Equal(t, want, *req.Channel)
		require.Equal(t, want+1, *msg.SimNumber) // persisted 1-based
	}
}

func TestDrain_ExplicitSimOverrideWins(t *testing.T) {
	store := newMemStore()
	tr := &fakeTransport{channels: []int{0, 1}}
	e, _, _ := newTestEngine(store, tr, Settings{
		ProcessingOrder: core.OrderFIFO,
		SimSelection:    SimRoundRobin,
	})

	msg := pendingMsg("m-1", core.PriorityDefault, core.TextContent{Text: "hi"}, "+15550001")
	two := 2
	msg.SimNumber = &two
	store.add(msg)
	e.Drain(context.Background())

	require.Equal(t, 1, tr.sendCount())
	require.Equal(t, 1, *tr.sends[0].Channel) // override-1
}

func TestDrain_NoChannelsFailsMessage(t *testing.T) {
	store := newMemStore()
	tr := &fakeTransport{channels: nil}
	e, _, _ := newTestEngine(store, tr, Settings{
		ProcessingOrder: core.OrderFIFO,
		SimSelection:    SimRoundRobin,
	})

	store.add(pendingMsg("m-1", core.PriorityDefault, core.TextContent{Text: "hi"}, "+15550001"))
	e.Drain(context.Background())

	r := store.recipientState(t, "m-1", "+15550001")
	require.Equal(t, core.StateFailed, r.State)
	require.Contains(t, *r.Error, "no available channels")
	require.Zero(t, tr.sendCount())
}

func TestDrain_MalformedDataFailsBeforeTransport(t *testing.T) {
	store := newMemStore()
	tr := &fakeTransport{}
	e, _, _ := newTestEngine(store, tr, Settings{ProcessingOrder: core.OrderFIFO})

	store.add(pendingMsg("bad", core.PriorityDefault, core.DataContent{Data: "!!not-base64!!", Port: 1234}, "+15550001"))
	e.Drain(context.Background())

	r := store.recipientState(t, "bad", "+15550001")
	require.Equal(t, core.StateFailed, r.State)
	require.Contains(t, *r.Error, "encoding")
	require.Zero(t, tr.sendCount())
}

func TestDrain_MissingAttachmentFailsBeforeTransport(t *testing.T) {
	store := newMemStore()
	tr := &fakeTransport{}
	e, _, _ := newTestEngine(store, tr, Settings{ProcessingOrder: core.OrderFIFO})

	content := core.MmsContent{Attachments: []core.MmsAttachment{
		{MediaID: "gone", MimeType: "image/png"},
	}}
	store.add(pendingMsg("mms", core.PriorityDefault, content, "+15550001"))
	e.Drain(context.Background())

	r := store.recipientState(t, "mms", "+15550001")
	require.Equal(t, core.StateFailed, r.State)
	require.Contains(t, *r.Error, "attachment unavailable")
	require.Zero(t, tr.sendCount())
}

func TestDrain_PerRecipientFailureIsolated(t *testing.T) {
	store := newMemStore()
	tr := &fakeTransport{}
	tr.sendErr = func(req transport.SendRequest) error {
		if req.Ref.PhoneNumber == "+15550002" {
			return errors.New("radio busy")
		}
		return nil
	}
	e, _, _ := newTestEngine(store, tr, Settings{ProcessingOrder: core.OrderFIFO})

	store.add(pendingMsg("m-1", core.PriorityDefault, core.TextContent{Text: "hi"}, "+15550001", "+15550002"))
	e.Drain(context.Background())

	require.Equal(t, core.StateProcessed, store.recipientState(t, "m-1", "+15550001").State)
	failed := store.recipientState(t, "m-1", "+15550002")
	require.Equal(t, core.StateFailed, failed.State)
	require.Contains(t, *failed.Error, "radio busy")

	msg, err := store.Get(context.Background(), "m-1")
	require.NoError(t, err)
	require.Equal(t, core.StateFailed, msg.State)
}

func TestReconcile_HandoffAndDelivery(t *testing.T) {
	store := newMemStore()
	tr := &fakeTransport{}
	e, _, bus := newTestEngine(store, tr, Settings{ProcessingOrder: core.OrderFIFO})
	ch, cancel := bus.Subscribe(32)
	defer cancel()

	store.add(pendingMsg("m-1", core.PriorityDefault, core.TextContent{Text: "hi"}, "+15550001"))
	e.Drain(context.Background())
	require.Equal(t, core.StateProcessed, store.recipientState(t, "m-1", "+15550001").State)

	ref := transport.Ref{MessageID: "m-1", PhoneNumber: "+15550001"}
	ctx := context.Background()

	e.HandoffResult(ctx, ref, nil)
	require.Equal(t, core.StateSent, store.recipientState(t, "m-1", "+15550001").State)

	// Transient status: service center still retrying, no transition.
	e.DeliveryReport(ctx, ref, 0x30)
	require.Equal(t, core.StateSent, store.recipientState(t, "m-1", "+15550001").State)

	e.DeliveryReport(ctx, ref, 0x00)
	require.Equal(t, core.StateDelivered, store.recipientState(t, "m-1", "+15550001").State)

	var states []core.ProcessingState
	for len(ch) > 0 {
		states = append(states, (<-ch).State)
	}
	require.Contains(t, states, core.StateProcessed)
	require.Contains(t, states, core.StateSent)
	require.Contains(t, states, core.StateDelivered)
}

func TestReconcile_PermanentDeliveryFailureAfterSent(t *testing.T) {
	store := newMemStore()
	tr := &fakeTransport{}
	e, _, bus := newTestEngine(store, tr, Settings{ProcessingOrder: core.OrderFIFO})
	ch, cancel := bus.Subscribe(32)
	defer cancel()

	store.add(pendingMsg("m-1", core.PriorityDefault, core.TextContent{Text: "hi"}, "+15550001"))
	e.Drain(context.Background())

	ref := transport.Ref{MessageID: "m-1", PhoneNumber: "+15550001"}
	ctx := context.Background()
	e.HandoffResult(ctx, ref, nil)
	e.DeliveryReport(ctx, ref, 0x45)

	r := store.recipientState(t, "m-1", "+15550001")
	require.Equal(t, core.StateFailed, r.State)
	require.Contains(t, *r.Error, "0x45")

	msg, err := store.Get(ctx, "m-1")
	require.NoError(t, err)
	require.Equal(t, core.StateFailed, msg.State)

	var sawFailure bool
	for len(ch) > 0 {
		ev := <-ch
		if ev.State == core.StateFailed && ev.Error != nil && strings.Contains(*ev.Error, "0x45") {
			sawFailure = true
		}
	}
	require.True(t, sawFailure)
}

func TestReconcile_FailedHandoffAfterMixedOutcome(t *testing.T) {
	store := newMemStore()
	tr := &fakeTransport{}
	e, _, _ := newTestEngine(store, tr, Settings{ProcessingOrder: core.OrderFIFO})

	store.add(pendingMsg("m-1", core.PriorityDefault, core.TextContent{Text: "hi"}, "+15550001", "+15550002"))
	e.Drain(context.Background())

	ctx := context.Background()
	e.HandoffResult(ctx, transport.Ref{MessageID: "m-1", PhoneNumber: "+15550001"}, nil)
	e.HandoffResult(ctx, transport.Ref{MessageID: "m-1", PhoneNumber: "+15550002"}, errors.New("rejected"))

	require.Equal(t, core.StateSent, store.recipientState(t, "m-1", "+15550001").State)
	require.Equal(t, core.StateFailed, store.recipientState(t, "m-1", "+15550002").State)

	// Failure dominates the aggregate even though a sibling is Sent.
	msg, err := store.Get(ctx, "m-1")
	require.NoError(t, err)
	require.Equal(t, core.StateFailed, msg.State)
}

func TestDrain_SingleFlight(t *testing.T) {
	store := newMemStore()
	tr := &fakeTransport{}
	e, _, _ := newTestEngine(store, tr, Settings{ProcessingOrder: core.OrderFIFO})

	e.running.Store(true)
	done := make(chan struct{})
	go func() {
		e.Drain(context.Background()) // must return immediately
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("concurrent drain did not return")
	}
	e.running.Store(false)
}

func TestKickCoalesces(t *testing.T) {
	store := newMemStore()
	tr := &fakeTransport{}
	e, _, _ := newTestEngine(store, tr, Settings{ProcessingOrder: core.OrderFIFO})

	for i := 0; i < 10; i++ {
		e.Kick() // must never block
	}
	require.Len(t, e.wake, 1)
}
