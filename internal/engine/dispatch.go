package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/radioq/sms-relay/internal/core"
	"github.com/radioq/sms-relay/internal/events"
	"github.com/radioq/sms-relay/internal/metrics"
	"github.com/radioq/sms-relay/internal/phone"
	"github.com/radioq/sms-relay/internal/transport"
)

const ttlExpiredReason = "TTL expired"

// dispatch attempts one message. It returns true when the transport stage
// was reached at all, even if individual recipients failed; pacing applies
// only to real attempts.
func (e *Engine) dispatch(ctx context.Context, msg *core.MessageWithRecipients) bool {
	log := e.log.With().Str("message_id", msg.ID).Logger()

	if msg.ValidUntil != nil && e.now().After(*msg.ValidUntil) {
		log.Info().Msg("message expired before dispatch")
		metrics.DispatchTotal.WithLabelValues("expired").Inc()
		e.failAll(ctx, msg, ttlExpiredReason)
		return false
	}

	channel, err := e.selectChannel(ctx, msg)
	if err != nil {
		log.Warn().Err(err).Msg("channel selection failed")
		metrics.DispatchTotal.WithLabelValues("no_channel").Inc()
		e.failAll(ctx, msg, err.Error())
		return false
	}
	if channel != nil && msg.SimNumber == nil {
		if err := e.store.SetSimNumber(ctx, msg.ID, *channel+1); err != nil {
			log.Warn().Err(err).Msg("persist sim number")
		}
	}

	payload, partsCount, err := e.buildPayload(ctx, msg)
	if err != nil {
		log.Warn().Err(err).Msg("payload construction failed")
		metrics.DispatchTotal.WithLabelValues("codec_error").Inc()
		e.failAll(ctx, msg, err.Error())
		return false
	}
	if err := e.store.SetPartsCount(ctx, msg.ID, partsCount); err != nil {
		log.Warn().Err(err).Msg("persist parts count")
	}

	s := e.settings.Settings()
	for _, rawPhone := range msg.PendingPhoneNumbers() {
		recipient, err := e.resolvePhone(rawPhone, msg, s)
		if err != nil {
			e.setRecipientState(ctx, msg, rawPhone, core.StateFailed, strPtr(err.Error()))
			continue
		}

		err = e.tr.Send(ctx, transport.SendRequest{
			Ref:            transport.Ref{MessageID: msg.ID, PhoneNumber: rawPhone},
			Channel:        channel,
			Recipient:      recipient,
			Payload:        payload,
			DeliveryReport: msg.WithDeliveryReport,
		})
		if err != nil {
			metrics.TransportSendTotal.WithLabelValues("error").Inc()
			e.setRecipientState(ctx, msg, rawPhone, core.StateFailed, strPtr(fmt.Sprintf("send: %v", err)))
			continue
		}
		metrics.TransportSendTotal.WithLabelValues("ok").Inc()
		e.setRecipientState(ctx, msg, rawPhone, core.StateProcessed, nil)
	}

	if err := e.store.MarkDispatched(ctx, msg.ID); err != nil {
		log.Warn().Err(err).Msg("mark dispatched")
	}
	metrics.DispatchTotal.WithLabelValues("sent").Inc()
	return true
}

// selectChannel resolves the 0-based channel index, or nil for the system
// default. An explicit 1-based override wins without querying the radio.
func (e *Engine) selectChannel(ctx context.Context, msg *core.MessageWithRecipients) (*int, error) {
	if msg.SimNumber != nil {
		ch := *msg.SimNumber - 1
		return &ch, nil
	}
	mode := e.settings.Settings().SimSelection
	if mode == SimOSDefault || mode == "" {
		return nil, nil
	}

	channels, err := e.tr.AvailableChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("available channels: %w", err)
	}
	if len(channels) == 0 {
		return nil, errNoChannels
	}
	sort.Ints(channels)

	switch mode {
	case SimRoundRobin:
		// Seq is the persistent insert sequence, so distribution is
		// deterministic and survives restarts.
		ch := channels[int(msg.Seq%int64(len(channels)))]
		return &ch, nil
	case SimRandom:
		ch := channels[e.randN(len(channels))]
		return &ch, nil
	default:
		return nil, nil
	}
}

func (e *Engine) resolvePhone(rawPhone string, msg *core.MessageWithRecipients, s Settings) (string, error) {
	p := rawPhone
	if msg.IsEncrypted {
		var err error
		p, err = e.crypto.Decrypt(p)
		if err != nil {
			return "", fmt.Errorf("decrypt phone: %w", err)
		}
	}
	if msg.SkipPhoneValidation {
		return phone.Lenient(p)
	}
	return phone.Normalize(p, s.CountryCode)
}

// failAll marks every non-terminal recipient Failed with one shared reason.
func (e *Engine) failAll(ctx context.Context, msg *core.MessageWithRecipients, reason string) {
	changed, err := e.store.UpdateAllRecipientsState(ctx, msg.ID, core.StateFailed, &reason)
	if err != nil {
		e.log.Error().Err(err).Str("message_id", msg.ID).Msg("fail all recipients")
		return
	}
	if changed > 0 {
		e.emit(ctx, msg.ID, nil, core.StateFailed, &reason)
	}
}

// setRecipientState applies one monotonic transition and emits an event if
// it took effect.
func (e *Engine) setRecipientState(ctx context.Context, msg *core.MessageWithRecipients, phoneNumber string, state core.ProcessingState, reason *string) {
	changed, err := e.store.UpdateRecipientState(ctx, msg.ID, phoneNumber, state, reason)
	if err != nil {
		e.log.Error().Err(err).Str("message_id", msg.ID).Msg("update recipient state")
		return
	}
	if changed {
		e.emit(ctx, msg.ID, []string{phoneNumber}, state, reason)
	}
}

// emit publishes a state-change event with the message's current channel and
// parts count. phoneNumbers == nil means every recipient was affected.
func (e *Engine) emit(ctx context.Context, messageID string, phoneNumbers []string, state core.ProcessingState, reason *string) {
	metrics.StateTransitions.WithLabelValues(string(state)).Inc()

	m, err := e.store.Get(ctx, messageID)
	if err != nil {
		e.log.Error().Err(err).Str("message_id", messageID).Msg("load message for event")
		return
	}
	if phoneNumbers == nil {
		for _, r := range m.Recipients {
			phoneNumbers = append(phoneNumbers, r.PhoneNumber)
		}
	}
	e.bus.Publish(events.StateChangeEvent{
		MessageID:    m.ID,
		Source:       m.Source,
		PhoneNumbers: phoneNumbers,
		State:        state,
		SimNumber:    m.SimNumber,
		PartsCount:   m.PartsCount,
		Error:        reason,
	})
}

func strPtr(s string) *string { return &s }
