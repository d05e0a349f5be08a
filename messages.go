package main

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message is an outbound frame addressed to template clients. The set of
// variants is closed; only types in this file implement it.
type Message interface {
	messageType() string
}

// SetText replaces the text content of the element with the given id.
type SetText struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// AddClass adds a CSS class to an element.
type AddClass struct {
	ID    string `json:"id"`
	Class string `json:"class"`
}

// RemoveClass removes a CSS class from an element.
type RemoveClass struct {
	ID    string `json:"id"`
	Class string `json:"class"`
}

// ExecuteAnimation starts a named animation sequence of the template.
type ExecuteAnimation struct {
	AnimationSequence string `json:"animationSequence"`
}

// SetImageSource points an image element at a template asset.
type SetImageSource struct {
	ID    string `json:"id"`
	Asset string `json:"asset"`
}

// ReloadTemplate asks clients to reload the template.
type ReloadTemplate struct{}

// LogError carries a client side error report. It travels in both directions.
type LogError struct {
	Message string `json:"message"`
	Stack   string `json:"stack"`
}

func (SetText) messageType() string          { return "SetText" }
func (AddClass) messageType() string         { return "AddClass" }
func (RemoveClass) messageType() string      { return "RemoveClass" }
func (ExecuteAnimation) messageType() string { return "ExecuteAnimation" }
func (SetImageSource) messageType() string   { return "SetImageSource" }
func (ReloadTemplate) messageType() string   { return "ReloadTemplate" }
func (LogError) messageType() string         { return "LogError" }

// EncodeMessage serializes msg as a JSON object tagged with a "type" field.
func EncodeMessage(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("encode message: nil message")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.messageType(), err)
	}

	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.messageType(), err)
	}
	tag, _ := json.Marshal(msg.messageType())
	fields["type"] = tag

	return json.Marshal(fields)
}

// InboundMessage is a frame sent by a client. Like Message the set is closed.
type InboundMessage interface {
	inboundType() string
}

// InboundLogError is a client reporting a runtime error in its template.
type InboundLogError struct {
	Message string `json:"message"`
	Stack   string `json:"stack"`
}

// UnknownInbound is any well formed frame with a discriminant the server does
// not act on. It is ignored, not rejected.
type UnknownInbound struct {
	Type string
}

func (InboundLogError) inboundType() string  { return "LogError" }
func (u UnknownInbound) inboundType() string { return u.Type }

var errMissingType = errors.New(`missing "type" field`)

// DecodeInbound parses a client frame.
func DecodeInbound(data []byte) (InboundMessage, error) {
	var envelope struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode inbound message: %w", err)
	}
	if envelope.Type == nil || *envelope.Type == "" {
		return nil, fmt.Errorf("decode inbound message: %w", errMissingType)
	}

	switch *envelope.Type {
	case "LogError":
		var msg InboundLogError
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode LogError: %w", err)
		}
		return msg, nil
	default:
		return UnknownInbound{Type: *envelope.Type}, nil
	}
}
