package transport

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// StatusDelivered is the TP-Status value a well-behaved carrier reports on
// final delivery.
const StatusDelivered = 0x00

// ModemOptions shape the simulated radio.
type ModemOptions struct {
	Channels       []int         // channel indexes reported as available
	HandoffLatency time.Duration // delay before the hand-off result
	DeliveryDelay  time.Duration // delay between hand-off and delivery report
	FailurePercent int           // chance a hand-off is rejected
}

// Modem simulates the local radio: it accepts send requests, then reports
// hand-off results and delivery reports asynchronously through the bound
// Callbacks, the same contract a real modem integration would honor.
type Modem struct {
	opt ModemOptions
	log zerolog.Logger

	mu sync.Mutex
	cb Callbacks
	wg sync.WaitGroup
}

func NewModem(opt ModemOptions, log zerolog.Logger) *Modem {
	if len(opt.Channels) == 0 {
		opt.Channels = []int{0}
	}
	if opt.HandoffLatency <= 0 {
		opt.HandoffLatency = 50 * time.Millisecond
	}
	if opt.DeliveryDelay <= 0 {
		opt.DeliveryDelay = 200 * time.Millisecond
	}
	return &Modem{opt: opt, log: log.With().Str("component", "modem").Logger()}
}

// Bind attaches the outcome sink. Must be called before the first Send.
func (m *Modem) Bind(cb Callbacks) {
	m.mu.Lock()
	m.cb = cb
	m.mu.Unlock()
}

func (m *Modem) AvailableChannels(_ context.Context) ([]int, error) {
	out := make([]int, len(m.opt.Channels))
	copy(out, m.opt.Channels)
	return out, nil
}

func (m *Modem) Segment(text string) []string {
	return segmentText(text)
}

func (m *Modem) Send(ctx context.Context, req SendRequest) error {
	m.mu.Lock()
	cb := m.cb
	m.mu.Unlock()
	if cb == nil {
		return errors.New("modem: no callbacks bound")
	}
	if req.Channel != nil {
		found := false
		for _, c := range m.opt.Channels {
			if c == *req.Channel {
				found = true
				break
			}
		}
		if !found {
			return errors.New("modem: unknown channel")
		}
	}

	m.wg.Add(1)
	go m.complete(cb, req)
	return nil
}

// complete plays out the async side of a send. Outcomes are detached from
// the caller's context: once the radio has the message, cancellation of the
// dispatch loop must not lose the result.
func (m *Modem) complete(cb Callbacks, req SendRequest) {
	defer m.wg.Done()
	ctx := context.Background()

	time.Sleep(m.opt.HandoffLatency)
	if m.opt.FailurePercent > 0 && rand.Intn(100) < m.opt.FailurePercent {
		cb.HandoffResult(ctx, req.Ref, errors.New("radio rejected message"))
		return
	}
	cb.HandoffResult(ctx, req.Ref, nil)

	if !req.DeliveryReport {
		return
	}
	time.Sleep(m.opt.DeliveryDelay)
	cb.DeliveryReport(ctx, req.Ref, StatusDelivered)
}

// Drain waits for all in-flight simulated outcomes, for orderly shutdown.
func (m *Modem) Drain() { m.wg.Wait() }
