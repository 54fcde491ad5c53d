package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/radioq/sms-relay/internal/core"
	"github.com/radioq/sms-relay/internal/transport"
)

var (
	ErrInvalidEncoding       = errors.New("invalid payload encoding")
	ErrAttachmentUnavailable = errors.New("attachment unavailable")
	ErrNoAttachments         = errors.New("mms message has no attachments")
)

// buildPayload converts the stored content variant into the transport-ready
// payload and the parts count persisted on the message. All failures happen
// before any network operation.
func (e *Engine) buildPayload(ctx context.Context, msg *core.MessageWithRecipients) (transport.Payload, int, error) {
	switch c := msg.Content.(type) {
	case core.TextContent:
		text, err := e.maybeDecrypt(c.Text, msg.IsEncrypted)
		if err != nil {
			return transport.Payload{}, 0, err
		}
		parts := e.tr.Segment(text)
		return transport.Payload{Kind: transport.PayloadText, TextParts: parts}, len(parts), nil

	case core.DataContent:
		data, err := e.maybeDecrypt(c.Data, msg.IsEncrypted)
		if err != nil {
			return transport.Payload{}, 0, err
		}
		raw, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return transport.Payload{}, 0, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
		}
		return transport.Payload{Kind: transport.PayloadData, Data: raw, Port: c.Port}, 1, nil

	case core.MmsContent:
		if len(c.Attachments) == 0 {
			// Enforced at ingestion; a stored violation still must not
			// reach the radio.
			return transport.Payload{}, 0, ErrNoAttachments
		}
		text, err := e.maybeDecrypt(c.Text, msg.IsEncrypted && c.Text != "")
		if err != nil {
			return transport.Payload{}, 0, err
		}
		attachments := make([]transport.Attachment, 0, len(c.Attachments))
		for _, a := range c.Attachments {
			data, err := e.resolveAttachment(ctx, a)
			if err != nil {
				return transport.Payload{}, 0, err
			}
			attachments = append(attachments, transport.Attachment{
				MimeType: a.MimeType,
				Filename: a.Filename,
				Bytes:    data,
			})
		}
		partsCount := len(attachments)
		if text != "" {
			partsCount++
		}
		return transport.Payload{Kind: transport.PayloadMms, Text: text, Attachments: attachments}, partsCount, nil

	default:
		return transport.Payload{}, 0, fmt.Errorf("unsupported content kind %T", msg.Content)
	}
}

func (e *Engine) resolveAttachment(ctx context.Context, a core.MmsAttachment) ([]byte, error) {
	if a.Data != "" {
		raw, err := base64.StdEncoding.DecodeString(a.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: attachment %s: %v", ErrInvalidEncoding, a.Filename, err)
		}
		return raw, nil
	}
	raw, err := e.media.ResolveBytes(ctx, a.MediaID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAttachmentUnavailable, a.MediaID)
	}
	return raw, nil
}

func (e *Engine) maybeDecrypt(s string, encrypted bool) (string, error) {
	if !encrypted {
		return s, nil
	}
	out, err := e.crypto.Decrypt(s)
	if err != nil {
		return "", fmt.Errorf("decrypt content: %w", err)
	}
	return out, nil
}
