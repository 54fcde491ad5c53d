package core

import (
	"encoding/json"
	"fmt"
)

// Content is the closed set of message payload variants. The codec in the
// engine switches over the concrete types; persistence stores a kind tag plus
// the JSON body.
type Content interface {
	Kind() ContentKind
}

type ContentKind string

const (
	KindText ContentKind = "Text"
	KindData ContentKind = "Data"
	KindMms  ContentKind = "Mms"
)

// TextContent is a plain (possibly encrypted) text message.
type TextContent struct {
	Text string `json:"text"`
}

func (TextContent) Kind() ContentKind { return KindText }

// DataContent carries base64-encoded binary bytes sent to an application
// port.
type DataContent struct {
	Data string `json:"data"`
	Port uint16 `json:"port"`
}

func (DataContent) Kind() ContentKind { return KindData }

// MmsAttachment references attachment bytes either inline (base64 in Data)
// or through a stored media id.
type MmsAttachment struct {
	MediaID  string `json:"mediaId,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType"`
	Filename string `json:"filename,omitempty"`
}

// MmsContent is a multimedia message: optional text plus one or more
// attachments. The ingestion layer enforces len(Attachments) >= 1.
type MmsContent struct {
	Text        string          `json:"text,omitempty"`
	Attachments []MmsAttachment `json:"attachments"`
}

func (MmsContent) Kind() ContentKind { return KindMms }

// MarshalContent produces the persisted (kind, body) pair.
func MarshalContent(c Content) (ContentKind, []byte, error) {
	if c == nil {
		return "", nil, fmt.Errorf("marshal content: nil content")
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return "", nil, fmt.Errorf("marshal content: %w", err)
	}
	return c.Kind(), raw, nil
}

// UnmarshalContent reverses MarshalContent.
func UnmarshalContent(kind ContentKind, raw []byte) (Content, error) {
	switch kind {
	case KindText:
		var c TextContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("unmarshal text content: %w", err)
		}
		return c, nil
	case KindData:
		var c DataContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("unmarshal data content: %w", err)
		}
		return c, nil
	case KindMms:
		var c MmsContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("unmarshal mms content: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown content kind %q", kind)
	}
}
