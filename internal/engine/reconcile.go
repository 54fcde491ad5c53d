package engine

import (
	"context"
	"fmt"

	"github.com/radioq/sms-relay/internal/core"
	"github.com/radioq/sms-relay/internal/transport"
)

// GSM TP-Status bands (3GPP TS 23.040 §9.2.3.15): codes below 0x20 mean the
// short message was delivered, 0x20–0x3F mean the service center is still
// trying, and 0x40 and above are permanent failures.
const (
	deliveryStatusDeliveredBound = 0x20
	deliveryStatusTransientBound = 0x40
)

// HandoffResult records the asynchronous acceptance (or rejection) of a send
// by the radio. Success moves the recipient to Sent.
func (e *Engine) HandoffResult(ctx context.Context, ref transport.Ref, handoffErr error) {
	msg, err := e.store.Get(ctx, ref.MessageID)
	if err != nil {
		e.log.Error().Err(err).Str("message_id", ref.MessageID).Msg("hand-off for unknown message")
		return
	}
	if handoffErr != nil {
		reason := handoffErr.Error()
		e.setRecipientState(ctx, msg, ref.PhoneNumber, core.StateFailed, &reason)
		return
	}
	e.setRecipientState(ctx, msg, ref.PhoneNumber, core.StateSent, nil)
}

// DeliveryReport ingests a carrier status code for a previously sent
// recipient. Transient codes are dropped; the network will report again.
func (e *Engine) DeliveryReport(ctx context.Context, ref transport.Ref, status int) {
	msg, err := e.store.Get(ctx, ref.MessageID)
	if err != nil {
		e.log.Error().Err(err).Str("message_id", ref.MessageID).Msg("delivery report for unknown message")
		return
	}

	switch {
	case status < deliveryStatusDeliveredBound:
		var reason *string
		if status > 0 {
			reason = strPtr(fmt.Sprintf("delivered with status 0x%02X", status))
		}
		e.setRecipientState(ctx, msg, ref.PhoneNumber, core.StateDelivered, reason)
	case status < deliveryStatusTransientBound:
		e.log.Debug().Str("message_id", ref.MessageID).Int("status", status).
			Msg("transient delivery status, awaiting retry")
	default:
		reason := fmt.Sprintf("delivery failed with status 0x%02X", status)
		e.setRecipientState(ctx, msg, ref.PhoneNumber, core.StateFailed, &reason)
	}
}
