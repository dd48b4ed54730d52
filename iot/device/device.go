// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package device is the device-side client of the hub

A client wraps one transport and a feature profile, the subset of features the
application wants to use. The profile is checked against what the transport provides
when the client is created. Calls outside the profile fail with ErrFeatureDisabled.

The client owns an optional keepalive supervisor which pings through the transport. It
is shut down explicitly when the client is closed, regardless of any transport clones
still in use elsewhere.

Property updates and twin requests return a request ID. The hub's answer arrives on the
channel returned by Messages and carries the same request ID.
*/
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/hubdevice/core/logger"
	"github.com/relabs-tech/hubdevice/core/schema"
	"github.com/relabs-tech/hubdevice/iot/message"
	"github.com/relabs-tech/hubdevice/iot/transport"
)

var (
	// ErrFeatureUnavailable means the transport does not provide a requested feature
	ErrFeatureUnavailable = errors.New("feature not provided by transport")
	// ErrFeatureDisabled means the call needs a feature outside the client's profile
	ErrFeatureDisabled = errors.New("feature not enabled")
)

const inboundFeatures = transport.FeatureTwinProperties | transport.FeatureDirectMethods | transport.FeatureCloudToDevice

// Builder is a builder helper for the client
type Builder struct {
	// Transport is mandatory. The client closes it on Close.
	Transport transport.Transport
	// DeviceID is used for logging only
	DeviceID string
	// Features is the profile, the default is FeatureTelemetry
	Features transport.Feature
	// KeepaliveInterval starts a keepalive when positive
	KeepaliveInterval time.Duration
	// Validator and TelemetrySchema optionally validate telemetry before it is sent
	Validator       *schema.Validator
	TelemetrySchema string
}

// Client is a device client
type Client struct {
	transport       transport.Transport
	deviceID        string
	features        transport.Feature
	keepalive       *transport.Keepalive
	validator       *schema.Validator
	telemetrySchema string

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// New creates a client. The keepalive, if any, stops when ctx is done or the client is
// closed.
func New(ctx context.Context, b *Builder) (*Client, error) {
	if b.Transport == nil {
		return nil, errors.New("transport is missing")
	}
	features := b.Features
	if features == 0 {
		features = transport.FeatureTelemetry
	}
	if missing := b.Transport.Features().Missing(features); missing != 0 {
		return nil, fmt.Errorf("%w: %s", ErrFeatureUnavailable, missing)
	}
	if b.Validator != nil && !b.Validator.HasSchema(b.TelemetrySchema) {
		return nil, fmt.Errorf("telemetry schema %s is unknown", b.TelemetrySchema)
	}

	c := &Client{
		transport:       b.Transport,
		deviceID:        b.DeviceID,
		features:        features,
		validator:       b.Validator,
		telemetrySchema: b.TelemetrySchema,
		closed:          make(chan struct{}),
	}
	if b.KeepaliveInterval > 0 {
		kctx, _ := logger.ContextWithDevice(ctx, b.DeviceID)
		c.keepalive = transport.StartKeepalive(kctx, b.KeepaliveInterval, b.Transport.Ping)
	}
	logger.FromContext(ctx).Debugln("device client for", b.DeviceID, "with features", features)
	return c, nil
}

// Features returns the client's feature profile
func (c *Client) Features() transport.Feature {
	return c.features
}

// Keepalive returns the client's keepalive, or nil if it has none
func (c *Client) Keepalive() *transport.Keepalive {
	return c.keepalive
}

func (c *Client) require(f transport.Feature) error {
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}
	if !c.features.Has(f) {
		return fmt.Errorf("%w: %s", ErrFeatureDisabled, f)
	}
	return nil
}

// SendTelemetry sends body as telemetry. With a validator, invalid bodies are rejected
// before anything is sent.
func (c *Client) SendTelemetry(ctx context.Context, body []byte, properties map[string]string) error {
	if err := c.require(transport.FeatureTelemetry); err != nil {
		return err
	}
	ctx, rlog := logger.ContextWithDevice(ctx, c.deviceID)
	if c.validator != nil {
		if err := c.validator.Validate(body, c.telemetrySchema); err != nil {
			return err
		}
	}
	msg := message.New(body)
	for key, value := range properties {
		msg.WithProperty(key, value)
	}
	if err := c.transport.SendMessage(ctx, msg); err != nil {
		rlog.WithError(err).Errorln("cannot send telemetry")
		return err
	}
	rlog.Debugln("sent telemetry", msg.ID)
	return nil
}

// SendTelemetryJSON marshals v and sends it as telemetry
func (c *Client) SendTelemetryJSON(ctx context.Context, v interface{}, properties map[string]string) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cannot marshal telemetry: %w", err)
	}
	return c.SendTelemetry(ctx, body, properties)
}

// UpdateReported sends a reported property patch and returns its request ID
func (c *Client) UpdateReported(ctx context.Context, patch []byte) (string, error) {
	if err := c.require(transport.FeatureTwinProperties); err != nil {
		return "", err
	}
	ctx, rlog := logger.ContextWithDevice(ctx, c.deviceID)
	requestID := logger.RequestIDFromContext(ctx)
	if err := c.transport.SendPropertyUpdate(ctx, requestID, patch); err != nil {
		rlog.WithError(err).Errorln("cannot update reported properties")
		return "", err
	}
	return requestID, nil
}

// RequestTwin asks for the full twin and returns the request ID of the answer
func (c *Client) RequestTwin(ctx context.Context) (string, error) {
	if err := c.require(transport.FeatureTwinProperties); err != nil {
		return "", err
	}
	ctx, rlog := logger.ContextWithDevice(ctx, c.deviceID)
	requestID := logger.RequestIDFromContext(ctx)
	if err := c.transport.RequestTwinProperties(ctx, requestID); err != nil {
		rlog.WithError(err).Errorln("cannot request twin")
		return "", err
	}
	return requestID, nil
}

// RespondToMethod answers the direct method invocation with requestID
func (c *Client) RespondToMethod(ctx context.Context, requestID string, status int, body []byte) error {
	if err := c.require(transport.FeatureDirectMethods); err != nil {
		return err
	}
	ctx, rlog := logger.ContextWithDevice(ctx, c.deviceID)
	err := c.transport.RespondToDirectMethod(ctx, &message.DirectMethodResponse{
		RequestID: requestID,
		Status:    status,
		Body:      body,
	})
	if err != nil {
		rlog.WithError(err).Errorln("cannot respond to method", requestID)
	}
	return err
}

// Messages returns the channel of everything the hub sends to the device. It needs at
// least one of twin properties, direct methods or cloud-to-device messages in the profile.
func (c *Client) Messages(ctx context.Context) (<-chan message.Inbound, error) {
	if err := c.require(0); err != nil {
		return nil, err
	}
	if c.features&inboundFeatures == 0 {
		return nil, fmt.Errorf("%w: %s", ErrFeatureDisabled, inboundFeatures)
	}
	return c.transport.Receiver(ctx)
}

// Close shuts the keepalive down and closes the transport. Further calls are no-ops.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.keepalive != nil {
			c.keepalive.Shutdown()
		}
		c.closeErr = c.transport.Close()
	})
	return c.closeErr
}
