package transport

import (
	"context"
)

// Ref keys every asynchronous outcome back to the recipient row it belongs
// to.
type Ref struct {
	MessageID   string
	PhoneNumber string
}

// PayloadKind discriminates what Send is asked to transmit.
type PayloadKind int

const (
	PayloadText PayloadKind = iota
	PayloadData
	PayloadMms
)

// Attachment is a fully resolved MMS part; bytes are already in memory by
// the time the transport sees them.
type Attachment struct {
	MimeType string
	Filename string
	Bytes    []byte
}

// Payload is the transport-ready form of a message, built once per message
// and reused for every recipient.
type Payload struct {
	Kind PayloadKind

	TextParts []string // PayloadText: protocol-level segments

	Data []byte // PayloadData
	Port uint16

	Text        string // PayloadMms: optional subject text
	Attachments []Attachment
}

type SendRequest struct {
	Ref            Ref
	Channel        *int // 0-based channel index, nil = system default
	Recipient      string
	Payload        Payload
	DeliveryReport bool
}

// Transport is the local radio interface. Send returning nil only means the
// request was accepted for transmission; the hand-off result and any
// delivery report arrive later through Callbacks.
type Transport interface {
	AvailableChannels(ctx context.Context) ([]int, error)
	Segment(text string) []string
	Send(ctx context.Context, req SendRequest) error
}

// Callbacks receive asynchronous outcomes keyed by Ref. Implemented by the
// engine's state reconciler.
type Callbacks interface {
	// HandoffResult reports whether the radio accepted the message for a
	// recipient. err == nil means handed off.
	HandoffResult(ctx context.Context, ref Ref, err error)
	// DeliveryReport carries the carrier status code (GSM TP-Status) for a
	// previously handed-off message.
	DeliveryReport(ctx context.Context, ref Ref, status int)
}
