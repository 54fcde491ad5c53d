package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/radioq/sms-relay/internal/core"
	"github.com/radioq/sms-relay/internal/events"
	"github.com/radioq/sms-relay/internal/metrics"
	"github.com/radioq/sms-relay/internal/transport"
)

// Store is the slice of the message store the engine needs.
type Store interface {
	ClaimNextPending(ctx context.Context, order core.ProcessingOrder) (*core.MessageWithRecipients, error)
	Get(ctx context.Context, id string) (*core.MessageWithRecipients, error)
	UpdateRecipientState(ctx context.Context, messageID, phoneNumber string, state core.ProcessingState, reason *string) (bool, error)
	UpdateAllRecipientsState(ctx context.Context, messageID string, state core.ProcessingState, reason *string) (int, error)
	SetSimNumber(ctx context.Context, messageID string, simNumber int) error
	SetPartsCount(ctx context.Context, messageID string, partsCount int) error
	MarkDispatched(ctx context.Context, messageID string) error
	CountProcessedSince(ctx context.Context, since time.Time) (int, time.Time, error)
}

// Decrypter unlocks encrypted content and phone numbers before transport.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// MediaResolver turns a stored attachment id into bytes.
type MediaResolver interface {
	ResolveBytes(ctx context.Context, id string) ([]byte, error)
}

// SimSelectionMode picks how a channel is chosen when no explicit override
// is set.
type SimSelectionMode string

const (
	SimOSDefault  SimSelectionMode = "OSDefault"
	SimRoundRobin SimSelectionMode = "RoundRobin"
	SimRandom     SimSelectionMode = "Random"
)

// Settings is re-read from the provider every time it matters, so runtime
// reconfiguration takes effect without an engine restart.
type Settings struct {
	ProcessingOrder core.ProcessingOrder
	SimSelection    SimSelectionMode

	// LimitValue messages per LimitPeriod; zero disables the gate.
	LimitPeriod time.Duration
	LimitValue  int

	// Pacing sleep between consecutive dispatches, uniformly random within
	// [PacingMin, PacingMax]. PacingMax <= 0 disables pacing.
	PacingMin time.Duration
	PacingMax time.Duration

	CountryCode string
}

type SettingsProvider interface {
	Settings() Settings
}

// limitMargin pads the rate-limit sleep so a wake-up on the exact window
// boundary cannot still count the oldest message.
const limitMargin = time.Second

const defaultRecoveryPause = 5 * time.Second

type Options struct {
	Store     Store
	Transport transport.Transport
	Settings  SettingsProvider
	Bus       *events.Bus
	Crypto    Decrypter
	Media     MediaResolver
	Log       zerolog.Logger

	// RecoveryPause is how long the loop backs off after an unexpected
	// error before scanning again.
	RecoveryPause time.Duration
}

// Engine drains the pending queue: one logical dispatch loop per device,
// woken by Kick whenever new work is enqueued.
type Engine struct {
	store    Store
	tr       transport.Transport
	settings SettingsProvider
	bus      *events.Bus
	crypto   Decrypter
	media    MediaResolver
	log      zerolog.Logger

	recoveryPause time.Duration

	wake    chan struct{}
	running atomic.Bool

	// test seams
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration)
	randN   func(n int) int
	rand64N func(n int64) int64
}

func New(opt Options) *Engine {
	if opt.RecoveryPause <= 0 {
		opt.RecoveryPause = defaultRecoveryPause
	}
	return &Engine{
		store:         opt.Store,
		tr:            opt.Transport,
		settings:      opt.Settings,
		bus:           opt.Bus,
		crypto:        opt.Crypto,
		media:         opt.Media,
		log:           opt.Log.With().Str("component", "engine").Logger(),
		recoveryPause: opt.RecoveryPause,
		wake:          make(chan struct{}, 1),
		now:           time.Now,
		sleep:         sleepCtx,
		randN:         rand.Intn,
		rand64N:       rand.Int63n,
	}
}

// Kick asks the engine to drain the queue. Non-blocking; coalesces with a
// pending kick.
func (e *Engine) Kick() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run services the queue until ctx is done. It drains once at startup, then
// on every Kick.
func (e *Engine) Run(ctx context.Context) error {
	e.Drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.wake:
			e.Drain(ctx)
		}
	}
}

// Drain runs dispatch iterations until the queue is exhausted. At most one
// drain runs at a time; a concurrent call returns immediately (the running
// drain will pick up whatever prompted it).
func (e *Engine) Drain(ctx context.Context) {
	if !e.running.CompareAndSwap(false, true) {
		return
	}
	defer e.running.Store(false)

	// Loop-local by design: an engine restart forgets the last priority, so
	// the first expedited message after a restart bypasses the gate again.
	previousPriority := core.PriorityMin

	for {
		if ctx.Err() != nil {
			return
		}

		s := e.settings.Settings()
		msg, err := e.store.ClaimNextPending(ctx, s.ProcessingOrder)
		if err != nil {
			metrics.ClaimTotal.WithLabelValues("error").Inc()
			e.log.Error().Err(err).Msg("claim next pending")
			e.sleep(ctx, e.recoveryPause)
			continue
		}
		if msg == nil {
			metrics.ClaimTotal.WithLabelValues("empty").Inc()
			return
		}
		metrics.ClaimTotal.WithLabelValues("ok").Inc()

		// Cooperative scheduling point so a busy queue cannot starve
		// neighbors of this goroutine's thread.
		e.sleep(ctx, time.Millisecond)

		priority := msg.Priority
		expeditedJump := priority >= core.PriorityExpedited && previousPriority < priority
		if !expeditedJump {
			e.applyLimit(ctx, s)
		}

		// Dispatch must not be abandoned mid-flight by shutdown: once a
		// message may have reached the radio, its outcome must be recorded.
		sent := e.dispatchSafe(context.WithoutCancel(ctx), msg)
		if !sent {
			continue
		}

		if expeditedJump {
			previousPriority = priority
			continue
		}
		previousPriority = priority
		e.pace(ctx, s)
	}
}

// dispatchSafe keeps a panicking dispatch from killing the loop.
func (e *Engine) dispatchSafe(ctx context.Context, msg *core.MessageWithRecipients) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Str("message_id", msg.ID).Msg("dispatch panicked")
			e.sleep(ctx, e.recoveryPause)
			sent = false
		}
	}()
	return e.dispatch(ctx, msg)
}

// applyLimit blocks until the trailing-window throughput limit permits the
// next dispatch.
func (e *Engine) applyLimit(ctx context.Context, s Settings) {
	if s.LimitValue <= 0 || s.LimitPeriod <= 0 {
		return
	}
	now := e.now()
	count, last, err := e.store.CountProcessedSince(ctx, now.Add(-s.LimitPeriod))
	if err != nil {
		e.log.Error().Err(err).Msg("count processed")
		return
	}
	if count < s.LimitValue {
		return
	}
	wait := s.LimitPeriod - now.Sub(last) + limitMargin
	if wait > 0 {
		metrics.LimitWaits.Inc()
		e.log.Debug().Dur("wait", wait).Msg("rate limit reached")
		e.sleep(ctx, wait)
	}
}

// pace sleeps a uniformly random duration within the configured range.
func (e *Engine) pace(ctx context.Context, s Settings) {
	if s.PacingMax <= 0 {
		return
	}
	min, max := s.PacingMin, s.PacingMax
	if min < 0 {
		min = 0
	}
	if max < min {
		max = min
	}
	d := min
	if max > min {
		d = min + time.Duration(e.rand64N(int64(max-min)+1))
	}
	e.sleep(ctx, d)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

var errNoChannels = errors.New("no available channels")
