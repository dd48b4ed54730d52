// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package https implements the device transport over the hub's HTTPS device API

Telemetry is posted to

	POST https://{hub}/devices/{device_id}/messages/events?api-version=2019-03-30

with the current token of the transport's token cache as Authorization header. HTTPS has
no server push, so cloud-to-device messages are long-polled from

	GET https://{hub}/devices/{device_id}/messages/deviceBound?api-version=2019-03-30

once Receiver has been called, and completed with a DELETE on the message's ETag. The
device API has no endpoints for twin properties or direct methods; those operations fail
with transport.ErrUnsupported.

A transport can be cloned. Clones share the token cache, the HTTP connection pool, the
receiver and the optional keepalive. Each handle is closed on its own, the last close
shuts the shared state down.
*/
package https

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"

	"github.com/relabs-tech/hubdevice/core/logger"
	"github.com/relabs-tech/hubdevice/iot/message"
	"github.com/relabs-tech/hubdevice/iot/token"
	"github.com/relabs-tech/hubdevice/iot/transport"
)

const (
	// APIVersion is the version of the hub's device API
	APIVersion = "2019-03-30"
	// DefaultPollInterval is the wait between two empty cloud-to-device polls
	DefaultPollInterval = 25 * time.Second
	// DefaultReceiverCapacity is the buffer size of the receiver channel
	DefaultReceiverCapacity = 16

	protocol = "https"

	// MessageIDHeader carries the message ID in both directions
	MessageIDHeader = "iothub-messageid"
	// PropertyHeaderPrefix prefixes application properties
	PropertyHeaderPrefix = "iothub-app-"
)

// Builder is a builder helper for the HTTPS transport
type Builder struct {
	// HubName is the host name of the hub, optionally with port. This is mandatory.
	HubName string
	// DeviceID is the identity of this device. This is mandatory.
	DeviceID string
	// Source mints the authorization tokens. This is mandatory.
	Source token.Source
	// HTTPClient is optional. The default is a pooled client with HTTP/2 enabled.
	HTTPClient *http.Client
	// KeepaliveInterval enables a shared keepalive when positive
	KeepaliveInterval time.Duration
	// PollInterval is optional, see DefaultPollInterval
	PollInterval time.Duration
	// ReceiverCapacity is optional, see DefaultReceiverCapacity
	ReceiverCapacity int
	// Clock is optional and replaces time.Now for the token cache
	Clock func() time.Time
}

// state is shared by all clones of a transport
type state struct {
	hubName  string
	deviceID string
	client   *http.Client
	cache    *token.Cache
	refs     *transport.Refs

	keepalive *transport.Keepalive

	pollInterval time.Duration
	recvOnce     sync.Once
	recvCtx      context.Context
	recvCancel   context.CancelFunc
	inbound      chan message.Inbound
}

// Transport is a handle to an HTTPS device transport
type Transport struct {
	s      *state
	closed atomic.Bool
}

var _ transport.Transport = (*Transport)(nil)

// New creates a new HTTPS transport. No connection is made until the first operation.
func New(b *Builder) (*Transport, error) {
	if b.HubName == "" {
		return nil, errors.New("hub name is missing")
	}
	if b.DeviceID == "" {
		return nil, errors.New("device id is missing")
	}
	if b.Source == nil {
		return nil, errors.New("token source is missing")
	}

	client := b.HTTPClient
	if client == nil {
		var err error
		if client, err = newPooledClient(); err != nil {
			return nil, err
		}
	}

	pollInterval := b.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	capacity := b.ReceiverCapacity
	if capacity <= 0 {
		capacity = DefaultReceiverCapacity
	}

	recvCtx, _ := logger.ContextWithDevice(context.Background(), b.DeviceID)
	recvCtx, recvCancel := context.WithCancel(recvCtx)

	s := &state{
		hubName:      b.HubName,
		deviceID:     b.DeviceID,
		client:       client,
		cache:        token.NewCache(b.Source, token.WithClock(b.Clock)),
		pollInterval: pollInterval,
		recvCtx:      recvCtx,
		recvCancel:   recvCancel,
		inbound:      make(chan message.Inbound, capacity),
	}
	s.refs = transport.NewRefs(s.shutdown)

	if b.KeepaliveInterval > 0 {
		s.keepalive = transport.StartKeepalive(recvCtx, b.KeepaliveInterval, s.ping)
	}

	return &Transport{s: s}, nil
}

// newPooledClient returns a client with a shared connection pool, TLS 1.2 or better and
// HTTP/2 negotiated through ALPN
func newPooledClient() (*http.Client, error) {
	t := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if err := http2.ConfigureTransport(t); err != nil {
		return nil, fmt.Errorf("cannot enable http/2: %w", err)
	}
	return &http.Client{Transport: t}, nil
}

// Clone returns another handle on the same shared state
func (t *Transport) Clone() (*Transport, error) {
	if t.closed.Load() || !t.s.refs.Acquire() {
		return nil, transport.ErrClosed
	}
	if t.s.keepalive != nil {
		t.s.keepalive.Acquire()
	}
	return &Transport{s: t.s}, nil
}

// Close releases this handle. Closing a handle twice is a no-op. The last close stops the
// keepalive and the receiver, and closes the receiver channel.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	if t.s.keepalive != nil {
		t.s.keepalive.Release()
	}
	t.s.refs.Release()
	return nil
}

// Keepalive returns the shared keepalive, or nil if it is disabled
func (t *Transport) Keepalive() *transport.Keepalive {
	return t.s.keepalive
}

// TokenCache returns the shared token cache
func (t *Transport) TokenCache() *token.Cache {
	return t.s.cache
}

// Features returns telemetry and cloud-to-device messages
func (t *Transport) Features() transport.Feature {
	return transport.FeatureTelemetry | transport.FeatureCloudToDevice
}

// SendMessage posts the message body verbatim as telemetry. Non-2xx answers are reported
// as *transport.StatusError, a 401 also drops the cached token.
func (t *Transport) SendMessage(ctx context.Context, msg *message.Message) error {
	const op = "send_message"
	if t.closed.Load() {
		return transport.ErrClosed
	}
	if msg == nil {
		return fmt.Errorf("%s: message is nil", op)
	}

	auth, err := t.s.cache.Token(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.s.url("/messages/events"), bytes.NewReader(msg.Body))
	if err != nil {
		return &transport.Error{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", auth)
	if msg.ID != "" {
		req.Header.Set(MessageIDHeader, msg.ID)
	}
	for key, value := range msg.Properties {
		req.Header.Set(PropertyHeaderPrefix+strings.ToLower(key), value)
	}

	res, err := t.s.client.Do(req)
	if err != nil {
		return &transport.Error{Op: op, Err: err}
	}
	defer res.Body.Close()
	if err := t.s.checkStatus(op, res); err != nil {
		return err
	}
	logger.FromContext(ctx).Debugf("sent %d bytes of telemetry, status %d", len(msg.Body), res.StatusCode)
	return nil
}

// SendPropertyUpdate is not supported by the HTTPS device API
func (t *Transport) SendPropertyUpdate(ctx context.Context, requestID string, body []byte) error {
	return t.unsupported("send_property_update")
}

// RequestTwinProperties is not supported by the HTTPS device API
func (t *Transport) RequestTwinProperties(ctx context.Context, requestID string) error {
	return t.unsupported("request_twin_properties")
}

// RespondToDirectMethod is not supported by the HTTPS device API
func (t *Transport) RespondToDirectMethod(ctx context.Context, response *message.DirectMethodResponse) error {
	return t.unsupported("respond_to_direct_method")
}

func (t *Transport) unsupported(op string) error {
	if t.closed.Load() {
		return transport.ErrClosed
	}
	return transport.Unsupported(protocol, op)
}

// Ping is a no-op, HTTPS has no connection to keep alive
func (t *Transport) Ping(ctx context.Context) error {
	if t.closed.Load() {
		return transport.ErrClosed
	}
	return t.s.ping(ctx)
}

// Receiver starts long-polling for cloud-to-device messages on the first call and returns
// the shared receiver channel
func (t *Transport) Receiver(ctx context.Context) (<-chan message.Inbound, error) {
	if t.closed.Load() {
		return nil, transport.ErrClosed
	}
	t.s.recvOnce.Do(func() {
		logger.FromContext(ctx).Debugln("start polling for cloud-to-device messages")
		go t.s.receiveLoop()
	})
	return t.s.inbound, nil
}

func (s *state) ping(ctx context.Context) error {
	return nil
}

func (s *state) url(path string) string {
	return "https://" + s.hubName + "/devices/" + url.PathEscape(s.deviceID) + path + "?api-version=" + APIVersion
}

// shutdown runs when the last handle is closed
func (s *state) shutdown() {
	if s.keepalive != nil {
		s.keepalive.Shutdown()
	}
	s.recvCancel()
	// the receive loop closes the channel when it runs, otherwise we do
	s.recvOnce.Do(func() { close(s.inbound) })
	s.client.CloseIdleConnections()
}

// checkStatus drains the body of successful answers and turns all others into a
// *transport.StatusError
func (s *state) checkStatus(op string, res *http.Response) error {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		io.Copy(io.Discard, res.Body)
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
	if res.StatusCode == http.StatusUnauthorized {
		s.cache.Invalidate()
	}
	return &transport.StatusError{Op: op, StatusCode: res.StatusCode, Body: strings.TrimSpace(string(body))}
}
