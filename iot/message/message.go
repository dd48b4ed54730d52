// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package message defines the values exchanged between a device and the hub.
package message

import (
	"github.com/google/uuid"
)

// Kind classifies a message
type Kind int

// all message kinds
const (
	KindTelemetry Kind = iota
	KindTwinPropertyUpdate
	KindTwinPropertyRequest
	KindDirectMethodResponse
	KindCloudToDevice
	KindDirectMethodInvocation
)

func (k Kind) String() string {
	switch k {
	case KindTelemetry:
		return "telemetry"
	case KindTwinPropertyUpdate:
		return "twin-property-update"
	case KindTwinPropertyRequest:
		return "twin-property-request"
	case KindDirectMethodResponse:
		return "direct-method-response"
	case KindCloudToDevice:
		return "cloud-to-device"
	case KindDirectMethodInvocation:
		return "direct-method-invocation"
	default:
		return "unknown"
	}
}

// Message is an outbound telemetry message. The body is sent as is.
type Message struct {
	ID   string
	Body []byte
	// Properties are application properties. The HTTPS transport carries them as
	// headers, so names arrive lowercased at the hub.
	Properties map[string]string
}

// New returns a message with a random ID
func New(body []byte) *Message {
	return &Message{ID: uuid.New().String(), Body: body}
}

// WithProperty returns the message with an application property added
func (m *Message) WithProperty(key, value string) *Message {
	if m.Properties == nil {
		m.Properties = map[string]string{}
	}
	m.Properties[key] = value
	return m
}

// DirectMethodResponse answers a direct method invocation with the same RequestID
type DirectMethodResponse struct {
	RequestID string
	Status    int
	Body      []byte
}

// Inbound is any message the hub sends to the device.
//
// KindCloudToDevice carries MessageID, Body and Properties.
// KindDirectMethodInvocation carries RequestID, Method and Body.
// KindTwinPropertyRequest answers a twin request: RequestID, Status and the full twin document as Body.
// KindTwinPropertyUpdate with a RequestID acknowledges a reported patch (Status, Version); without
// a RequestID it is a desired property patch pushed by the hub.
type Inbound struct {
	Kind       Kind
	RequestID  string
	MessageID  string
	Method     string
	Status     int
	Version    int
	Body       []byte
	// Properties of a cloud-to-device message. Names received over HTTPS are lowercase.
	Properties map[string]string
}
