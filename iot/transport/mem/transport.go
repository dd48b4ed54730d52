// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package mem

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relabs-tech/hubdevice/core/logger"
	"github.com/relabs-tech/hubdevice/iot/message"
	"github.com/relabs-tech/hubdevice/iot/transport"
)

const protocol = "mem"

// DefaultReceiverCapacity is the buffer size of the receiver channel
const DefaultReceiverCapacity = 16

// Options are optional connection settings
type Options struct {
	// ReceiverCapacity is the buffer size of the receiver channel
	ReceiverCapacity int
	// KeepaliveInterval enables a shared keepalive when positive
	KeepaliveInterval time.Duration
}

// state is shared by all clones of a transport
type state struct {
	hub      *Hub
	deviceID string
	refs     *transport.Refs

	keepalive *transport.Keepalive

	ctx    context.Context
	cancel context.CancelFunc

	mutex   sync.Mutex
	queue   []message.Inbound
	stopped bool
	wake    chan struct{}
	inbound chan message.Inbound
}

// Transport is a handle to an in-memory device transport
type Transport struct {
	s      *state
	closed atomic.Bool
}

var _ transport.Transport = (*Transport)(nil)

// Connect connects deviceID to the hub. opts may be nil.
func (h *Hub) Connect(deviceID string, opts *Options) *Transport {
	if opts == nil {
		opts = &Options{}
	}
	capacity := opts.ReceiverCapacity
	if capacity <= 0 {
		capacity = DefaultReceiverCapacity
	}

	ctx, _ := logger.ContextWithDevice(context.Background(), deviceID)
	ctx, cancel := context.WithCancel(ctx)
	s := &state{
		hub:      h,
		deviceID: deviceID,
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		inbound:  make(chan message.Inbound, capacity),
	}
	s.refs = transport.NewRefs(s.shutdown)
	if opts.KeepaliveInterval > 0 {
		s.keepalive = transport.StartKeepalive(ctx, opts.KeepaliveInterval, s.ping)
	}

	h.connect(deviceID, s)
	go s.pump()
	return &Transport{s: s}
}

// enqueue appends msg to the ordered queue. It never blocks.
func (s *state) enqueue(msg message.Inbound) {
	s.mutex.Lock()
	if s.stopped {
		s.mutex.Unlock()
		return
	}
	s.queue = append(s.queue, msg)
	s.mutex.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump forwards the queue into the receiver channel in order
func (s *state) pump() {
	defer close(s.inbound)
	for {
		s.mutex.Lock()
		if len(s.queue) == 0 {
			s.mutex.Unlock()
			select {
			case <-s.ctx.Done():
				return
			case <-s.wake:
			}
			continue
		}
		msg := s.queue[0]
		s.queue = s.queue[1:]
		s.mutex.Unlock()

		select {
		case s.inbound <- msg:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *state) shutdown() {
	s.hub.disconnect(s.deviceID, s)
	if s.keepalive != nil {
		s.keepalive.Shutdown()
	}
	s.mutex.Lock()
	s.stopped = true
	s.queue = nil
	s.mutex.Unlock()
	s.cancel()
	logger.FromContext(s.ctx).Debugln("in-memory transport disconnected")
}

func (s *state) ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.hub.ping(s.deviceID)
	return nil
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

// Close releases this handle. The last close disconnects from the hub and closes the
// receiver channel.
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

// Features returns all features
func (t *Transport) Features() transport.Feature {
	return transport.FeatureTelemetry | transport.FeatureTwinProperties |
		transport.FeatureDirectMethods | transport.FeatureCloudToDevice
}

func (t *Transport) check(ctx context.Context, op string) error {
	if t.closed.Load() {
		return transport.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return &transport.Error{Op: op, Err: err}
	}
	return nil
}

// SendMessage stores the message as telemetry of the device
func (t *Transport) SendMessage(ctx context.Context, msg *message.Message) error {
	const op = "send_message"
	if err := t.check(ctx, op); err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("%s: message is nil", op)
	}
	t.s.hub.receiveTelemetry(t.s.deviceID, msg)
	return nil
}

// SendPropertyUpdate merges body into the reported properties. The acknowledgement
// arrives on the receiver with the same requestID and the new version.
func (t *Transport) SendPropertyUpdate(ctx context.Context, requestID string, body []byte) error {
	const op = "send_property_update"
	if err := t.check(ctx, op); err != nil {
		return err
	}
	if requestID == "" {
		return fmt.Errorf("%s: request id is missing", op)
	}
	if err := t.s.hub.updateReported(t.s.deviceID, t.s, requestID, body); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// RequestTwinProperties asks for the full twin. The answer arrives on the receiver with
// the same requestID.
func (t *Transport) RequestTwinProperties(ctx context.Context, requestID string) error {
	const op = "request_twin_properties"
	if err := t.check(ctx, op); err != nil {
		return err
	}
	if requestID == "" {
		return fmt.Errorf("%s: request id is missing", op)
	}
	if err := t.s.hub.requestTwin(t.s.deviceID, t.s, requestID); err != nil {
		return &transport.Error{Op: op, Err: err}
	}
	return nil
}

// RespondToDirectMethod hands the response to the hub
func (t *Transport) RespondToDirectMethod(ctx context.Context, response *message.DirectMethodResponse) error {
	const op = "respond_to_direct_method"
	if err := t.check(ctx, op); err != nil {
		return err
	}
	if response == nil || response.RequestID == "" {
		return fmt.Errorf("%s: request id is missing", op)
	}
	t.s.hub.receiveMethodResponse(t.s.deviceID, response)
	return nil
}

// Ping counts a ping at the hub
func (t *Transport) Ping(ctx context.Context) error {
	const op = "ping"
	if err := t.check(ctx, op); err != nil {
		return err
	}
	return t.s.ping(ctx)
}

// Receiver returns the shared receiver channel
func (t *Transport) Receiver(ctx context.Context) (<-chan message.Inbound, error) {
	if t.closed.Load() {
		return nil, transport.ErrClosed
	}
	return t.s.inbound, nil
}

// String returns a short description for logs
func (t *Transport) String() string {
	return protocol + "://" + t.s.deviceID
}

