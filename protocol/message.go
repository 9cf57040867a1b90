// Package protocol defines the wire envelope and payload types exchanged
// between the coordinator and a test host over a message channel.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Protocol versions. Version 1 is the legacy shape; version 2 carries the
// richer serialization for run-stats, run-complete and log messages. Both
// must remain producible for older peers.
const (
	VersionLegacy     = 1
	VersionStructured = 2

	HighestSupportedVersion = VersionStructured
	DefaultVersion          = VersionLegacy
)

// Message is the envelope for every frame on the wire:
//
//	{"MessageType": <kind>, "Payload": <arbitrary JSON>, "Version": <int>}
//
// The envelope is payload-agnostic; only the handler registered for a kind
// interprets the payload.
type Message struct {
	MessageType string          `json:"MessageType"`
	Payload     json.RawMessage `json:"Payload,omitempty"`
	Version     int             `json:"Version,omitempty"`
}

// NewMessage serializes payload and wraps it in an envelope. A nil payload
// produces an envelope with no Payload field (fire-and-forget signals like
// session-end carry none).
func NewMessage(kind string, payload any, version int) (*Message, error) {
	m := &Message{MessageType: kind, Version: version}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("serializing %s payload: %w", kind, err)
		}
		m.Payload = raw
	}
	return m, nil
}

// UnmarshalPayload deserializes the message payload into v.
func (m *Message) UnmarshalPayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %s has no payload", m.MessageType)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("deserializing %s payload: %w", m.MessageType, err)
	}
	return nil
}

// Serialize renders the full envelope as wire-format JSON. The result is
// suitable for SendRaw on a channel.
func (m *Message) Serialize() ([]byte, error) {
	return json.Marshal(m)
}

// Deserialize parses a wire-format envelope.
func Deserialize(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.MessageType == "" {
		return nil, fmt.Errorf("message has no MessageType")
	}
	return &m, nil
}

func (m *Message) String() string {
	return fmt.Sprintf("%s (v%d, %d payload bytes)", m.MessageType, m.Version, len(m.Payload))
}
