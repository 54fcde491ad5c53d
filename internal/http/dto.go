package httpapi

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/radioq/sms-relay/internal/core"
)

type textMessageDTO struct {
	Text string `json:"text"`
}

type dataMessageDTO struct {
	Data string `json:"data"`
	Port uint16 `json:"port"`
}

type mmsAttachmentDTO struct {
	MediaID  string `json:"mediaId,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType"`
	Filename string `json:"filename,omitempty"`
}

type mmsMessageDTO struct {
	Text        string             `json:"text,omitempty"`
	Attachments []mmsAttachmentDTO `json:"attachments"`
}

type postMessageRequest struct {
	ID           string   `json:"id,omitempty"`
	PhoneNumbers []string `json:"phoneNumbers"`

	// Exactly one content variant must be present. Message is the
	// deprecated flat text form, treated as TextMessage.
	Message     *string         `json:"message,omitempty"`
	TextMessage *textMessageDTO `json:"textMessage,omitempty"`
	DataMessage *dataMessageDTO `json:"dataMessage,omitempty"`
	MmsMessage  *mmsMessageDTO  `json:"mmsMessage,omitempty"`

	SimNumber           *int  `json:"simNumber,omitempty"`
	WithDeliveryReport  *bool `json:"withDeliveryReport,omitempty"`
	IsEncrypted         bool  `json:"isEncrypted,omitempty"`
	SkipPhoneValidation bool  `json:"skipPhoneValidation,omitempty"`
	Priority            *int  `json:"priority,omitempty"`

	// TTL (seconds from now) and ValidUntil are mutually exclusive.
	TTL        *int64     `json:"ttl,omitempty"`
	ValidUntil *time.Time `json:"validUntil,omitempty"`
}

var errValidation = errors.New("validation")

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errValidation, fmt.Sprintf(format, args...))
}

// toMessage validates the request and builds the domain message.
func (r *postMessageRequest) toMessage(now time.Time, source core.EntitySource) (*core.MessageWithRecipients, error) {
	if len(r.PhoneNumbers) == 0 {
		return nil, validationErr("phoneNumbers must not be empty")
	}

	content, err := r.content()
	if err != nil {
		return nil, err
	}

	validUntil, err := r.expiry(now)
	if err != nil {
		return nil, err
	}

	if r.SimNumber != nil && *r.SimNumber < 1 {
		return nil, validationErr("simNumber must be >= 1")
	}

	id := r.ID
	if id == "" {
		id = uuid.NewString()
	}
	priority := core.PriorityDefault
	if r.Priority != nil {
		priority = *r.Priority
	}
	withDLR := true
	if r.WithDeliveryReport != nil {
		withDLR = *r.WithDeliveryReport
	}

	msg := &core.MessageWithRecipients{
		Message: core.Message{
			ID:                  id,
			Content:             content,
			Source:              source,
			Priority:            priority,
			IsEncrypted:         r.IsEncrypted,
			SkipPhoneValidation: r.SkipPhoneValidation,
			WithDeliveryReport:  withDLR,
			SimNumber:           r.SimNumber,
			ValidUntil:          validUntil,
			State:               core.StatePending,
		},
	}
	for _, p := range r.PhoneNumbers {
		if p == "" {
			return nil, validationErr("phoneNumbers must not contain empty entries")
		}
		msg.Recipients = append(msg.Recipients, core.Recipient{
			MessageID:   id,
			PhoneNumber: p,
			State:       core.StatePending,
		})
	}
	return msg, nil
}

func (r *postMessageRequest) content() (core.Content, error) {
	text := r.TextMessage
	if text == nil && r.Message != nil {
		text = &textMessageDTO{Text: *r.Message}
	}

	variants := 0
	if text != nil {
		variants++
	}
	if r.DataMessage != nil {
		variants++
	}
	if r.MmsMessage != nil {
		variants++
	}
	if variants != 1 {
		return nil, validationErr("exactly one of textMessage, dataMessage, mmsMessage is required")
	}

	switch {
	case text != nil:
		if text.Text == "" {
			return nil, validationErr("textMessage.text must not be empty")
		}
		return core.TextContent{Text: text.Text}, nil
	case r.DataMessage != nil:
		if r.DataMessage.Data == "" {
			return nil, validationErr("dataMessage.data must not be empty")
		}
		return core.DataContent{Data: r.DataMessage.Data, Port: r.DataMessage.Port}, nil
	default:
		if len(r.MmsMessage.Attachments) == 0 {
			return nil, validationErr("mmsMessage requires at least one attachment")
		}
		c := core.MmsContent{Text: r.MmsMessage.Text}
		for _, a := range r.MmsMessage.Attachments {
			if a.MediaID == "" && a.Data == "" {
				return nil, validationErr("attachment needs mediaId or inline data")
			}
			if a.MimeType == "" {
				return nil, validationErr("attachment mimeType is required")
			}
			c.Attachments = append(c.Attachments, core.MmsAttachment{
				MediaID:  a.MediaID,
				Data:     a.Data,
				MimeType: a.MimeType,
				Filename: a.Filename,
			})
		}
		return c, nil
	}
}

func (r *postMessageRequest) expiry(now time.Time) (*time.Time, error) {
	if r.TTL != nil && r.ValidUntil != nil {
		return nil, validationErr("ttl and validUntil are mutually exclusive")
	}
	if r.TTL != nil {
		if *r.TTL <= 0 {
			return nil, validationErr("ttl must be positive")
		}
		t := now.Add(time.Duration(*r.TTL) * time.Second)
		return &t, nil
	}
	if r.ValidUntil != nil {
		if !r.ValidUntil.After(now) {
			return nil, validationErr("validUntil is already past")
		}
		return r.ValidUntil, nil
	}
	return nil, nil
}
