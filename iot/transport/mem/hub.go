// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package mem implements an in-process hub and a device transport connected to it

The transport provides every feature: telemetry, twin properties, direct methods and
cloud-to-device messages. The hub keeps a twin document per device with desired and
reported properties. Property patches are JSON merge patches, each applied patch
increments the version of its side of the twin.

Everything the hub sends to a device, including the acknowledgement of a reported
patch and the answer to a twin request, goes through one ordered queue per transport
state. A single goroutine forwards the queue into the receiver channel, so neither the
hub nor the device ever blocks on a slow consumer.
*/
package mem

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/relabs-tech/hubdevice/iot/message"
)

// ErrNotConnected is returned by hub operations which need a connected device
var ErrNotConnected = errors.New("device is not connected")

type twin struct {
	desired         map[string]interface{}
	desiredVersion  int
	reported        map[string]interface{}
	reportedVersion int
}

type device struct {
	twin            twin
	telemetry       []message.Message
	methodResponses []message.DirectMethodResponse
	pings           int
	connections     map[*state]struct{}
}

// Hub is the cloud side of in-memory transports
type Hub struct {
	mutex   sync.Mutex
	devices map[string]*device
}

// NewHub returns an empty hub
func NewHub() *Hub {
	return &Hub{devices: map[string]*device{}}
}

// device returns the device entry, creating it. Must be called with the lock held.
func (h *Hub) device(deviceID string) *device {
	d, ok := h.devices[deviceID]
	if !ok {
		d = &device{
			twin: twin{
				desired:  map[string]interface{}{},
				reported: map[string]interface{}{},
			},
			connections: map[*state]struct{}{},
		}
		h.devices[deviceID] = d
	}
	return d
}

// deliver queues msg on all connections of the device. Must be called with the lock held.
func (d *device) deliver(msg message.Inbound) error {
	if len(d.connections) == 0 {
		return ErrNotConnected
	}
	for s := range d.connections {
		s.enqueue(msg)
	}
	return nil
}

// SendCloudToDevice sends a cloud-to-device message and returns its message ID
func (h *Hub) SendCloudToDevice(deviceID string, body []byte, properties map[string]string) (string, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	id := uuid.New().String()
	err := h.device(deviceID).deliver(message.Inbound{
		Kind:       message.KindCloudToDevice,
		MessageID:  id,
		Body:       body,
		Properties: properties,
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// InvokeMethod invokes a direct method on the device. The answer shows up in
// MethodResponses with the same requestID. An empty requestID gets a random one, the
// request ID is returned.
func (h *Hub) InvokeMethod(deviceID, requestID, method string, body []byte) (string, error) {
	if method == "" {
		return "", errors.New("method name is missing")
	}
	if requestID == "" {
		requestID = uuid.New().String()
	}
	h.mutex.Lock()
	defer h.mutex.Unlock()
	err := h.device(deviceID).deliver(message.Inbound{
		Kind:      message.KindDirectMethodInvocation,
		RequestID: requestID,
		Method:    method,
		Body:      body,
	})
	if err != nil {
		return "", err
	}
	return requestID, nil
}

// UpdateDesired merges patch into the desired properties and pushes it to the connected
// device. It returns the new desired version. The twin is updated even if the device is
// not connected.
func (h *Hub) UpdateDesired(deviceID string, patch []byte) (int, error) {
	p, err := parsePatch(patch)
	if err != nil {
		return 0, err
	}
	h.mutex.Lock()
	defer h.mutex.Unlock()
	d := h.device(deviceID)
	mergePatch(d.twin.desired, p)
	d.twin.desiredVersion++
	d.deliver(message.Inbound{
		Kind:    message.KindTwinPropertyUpdate,
		Version: d.twin.desiredVersion,
		Body:    patch,
	})
	return d.twin.desiredVersion, nil
}

// Telemetry returns the telemetry received from the device, oldest first
func (h *Hub) Telemetry(deviceID string) []message.Message {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	d, ok := h.devices[deviceID]
	if !ok {
		return []message.Message{}
	}
	return append([]message.Message{}, d.telemetry...)
}

// MethodResponses returns the direct method responses of the device, oldest first
func (h *Hub) MethodResponses(deviceID string) []message.DirectMethodResponse {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	d, ok := h.devices[deviceID]
	if !ok {
		return []message.DirectMethodResponse{}
	}
	return append([]message.DirectMethodResponse{}, d.methodResponses...)
}

// Reported returns the reported properties as JSON together with their version
func (h *Hub) Reported(deviceID string) ([]byte, int) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	d, ok := h.devices[deviceID]
	if !ok {
		return []byte("{}"), 0
	}
	data, _ := json.Marshal(d.twin.reported)
	return data, d.twin.reportedVersion
}

// Pings returns how many pings the device sent
func (h *Hub) Pings(deviceID string) int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if d, ok := h.devices[deviceID]; ok {
		return d.pings
	}
	return 0
}

// Connected returns the number of open transport states of the device
func (h *Hub) Connected(deviceID string) int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if d, ok := h.devices[deviceID]; ok {
		return len(d.connections)
	}
	return 0
}

func (h *Hub) connect(deviceID string, s *state) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.device(deviceID).connections[s] = struct{}{}
}

func (h *Hub) disconnect(deviceID string, s *state) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if d, ok := h.devices[deviceID]; ok {
		delete(d.connections, s)
	}
}

func (h *Hub) receiveTelemetry(deviceID string, msg *message.Message) {
	stored := message.Message{ID: msg.ID, Body: append([]byte{}, msg.Body...)}
	if len(msg.Properties) > 0 {
		stored.Properties = make(map[string]string, len(msg.Properties))
		for k, v := range msg.Properties {
			stored.Properties[k] = v
		}
	}
	h.mutex.Lock()
	defer h.mutex.Unlock()
	d := h.device(deviceID)
	d.telemetry = append(d.telemetry, stored)
}

func (h *Hub) receiveMethodResponse(deviceID string, response *message.DirectMethodResponse) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	d := h.device(deviceID)
	d.methodResponses = append(d.methodResponses, message.DirectMethodResponse{
		RequestID: response.RequestID,
		Status:    response.Status,
		Body:      append([]byte{}, response.Body...),
	})
}

func (h *Hub) ping(deviceID string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.device(deviceID).pings++
}

// updateReported applies a reported patch and acknowledges it to the sending state
func (h *Hub) updateReported(deviceID string, s *state, requestID string, patch []byte) error {
	p, err := parsePatch(patch)
	if err != nil {
		return err
	}
	h.mutex.Lock()
	defer h.mutex.Unlock()
	d := h.device(deviceID)
	mergePatch(d.twin.reported, p)
	d.twin.reportedVersion++
	s.enqueue(message.Inbound{
		Kind:      message.KindTwinPropertyUpdate,
		RequestID: requestID,
		Status:    http.StatusNoContent,
		Version:   d.twin.reportedVersion,
	})
	return nil
}

// requestTwin answers with the full twin document to the requesting state
func (h *Hub) requestTwin(deviceID string, s *state, requestID string) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	d := h.device(deviceID)
	body, err := d.twin.document()
	if err != nil {
		return err
	}
	s.enqueue(message.Inbound{
		Kind:      message.KindTwinPropertyRequest,
		RequestID: requestID,
		Status:    http.StatusOK,
		Body:      body,
	})
	return nil
}

// document renders {"desired":{...,"$version":n},"reported":{...,"$version":m}}
func (t *twin) document() ([]byte, error) {
	withVersion := func(props map[string]interface{}, version int) map[string]interface{} {
		out := make(map[string]interface{}, len(props)+1)
		for k, v := range props {
			out[k] = v
		}
		out["$version"] = version
		return out
	}
	data, err := json.Marshal(map[string]interface{}{
		"desired":  withVersion(t.desired, t.desiredVersion),
		"reported": withVersion(t.reported, t.reportedVersion),
	})
	if err != nil {
		return nil, fmt.Errorf("cannot marshal twin: %w", err)
	}
	return data, nil
}
