package mem

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/hubdevice/iot/message"
	"github.com/relabs-tech/hubdevice/iot/transport"
)

func receive(t *testing.T, ch <-chan message.Inbound) message.Inbound {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "receiver closed")
		return msg
	case <-time.After(time.Second):
		t.Fatal("nothing received")
	}
	return message.Inbound{}
}

func TestMergePatch(t *testing.T) {
	target := map[string]interface{}{
		"a": "b",
		"c": map[string]interface{}{"d": "e", "f": "g"},
	}
	patch, err := parsePatch([]byte(`{"a":"z","c":{"f":null},"h":{"i":1}}`))
	require.NoError(t, err)
	mergePatch(target, patch)

	data, err := json.Marshal(target)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"z","c":{"d":"e"},"h":{"i":1}}`, string(data))

	_, err = parsePatch([]byte(`[1,2]`))
	assert.Error(t, err)
	_, err = parsePatch([]byte(`null`))
	assert.Error(t, err)
}

func TestTelemetryAndMethods(t *testing.T) {
	hub := NewHub()
	tr := hub.Connect("dev1", nil)
	defer tr.Close()
	ctx := context.Background()

	assert.Equal(t, transport.Feature(0), tr.Features().Missing(transport.FeatureTelemetry|transport.FeatureDirectMethods))

	require.NoError(t, tr.SendMessage(ctx, message.New([]byte(`{"temp":21}`)).WithProperty("unit", "c")))
	telemetry := hub.Telemetry("dev1")
	require.Len(t, telemetry, 1)
	assert.Equal(t, `{"temp":21}`, string(telemetry[0].Body))
	assert.Equal(t, "c", telemetry[0].Properties["unit"])

	inbound, err := tr.Receiver(ctx)
	require.NoError(t, err)
	requestID, err := hub.InvokeMethod("dev1", "", "reboot", []byte(`{"delay":1}`))
	require.NoError(t, err)

	invocation := receive(t, inbound)
	assert.Equal(t, message.KindDirectMethodInvocation, invocation.Kind)
	assert.Equal(t, requestID, invocation.RequestID)
	assert.Equal(t, "reboot", invocation.Method)

	require.NoError(t, tr.RespondToDirectMethod(ctx, &message.DirectMethodResponse{
		RequestID: invocation.RequestID, Status: 200, Body: []byte(`{"ok":true}`),
	}))
	responses := hub.MethodResponses("dev1")
	require.Len(t, responses, 1)
	assert.Equal(t, requestID, responses[0].RequestID)
	assert.Equal(t, 200, responses[0].Status)
}

func TestTwin(t *testing.T) {
	hub := NewHub()
	tr := hub.Connect("dev1", nil)
	defer tr.Close()
	ctx := context.Background()
	inbound, err := tr.Receiver(ctx)
	require.NoError(t, err)

	require.NoError(t, tr.SendPropertyUpdate(ctx, "r1", []byte(`{"firmware":"1.0","net":{"ssid":"home"}}`)))
	require.NoError(t, tr.SendPropertyUpdate(ctx, "r2", []byte(`{"net":{"ssid":null}}`)))

	ack := receive(t, inbound)
	assert.Equal(t, message.KindTwinPropertyUpdate, ack.Kind)
	assert.Equal(t, "r1", ack.RequestID)
	assert.Equal(t, http.StatusNoContent, ack.Status)
	assert.Equal(t, 1, ack.Version)
	ack = receive(t, inbound)
	assert.Equal(t, "r2", ack.RequestID)
	assert.Equal(t, 2, ack.Version)

	reported, version := hub.Reported("dev1")
	assert.JSONEq(t, `{"firmware":"1.0","net":{}}`, string(reported))
	assert.Equal(t, 2, version)

	desiredVersion, err := hub.UpdateDesired("dev1", []byte(`{"interval":30}`))
	require.NoError(t, err)
	assert.Equal(t, 1, desiredVersion)
	desired := receive(t, inbound)
	assert.Equal(t, message.KindTwinPropertyUpdate, desired.Kind)
	assert.Empty(t, desired.RequestID)
	assert.Equal(t, 1, desired.Version)
	assert.JSONEq(t, `{"interval":30}`, string(desired.Body))

	require.NoError(t, tr.RequestTwinProperties(ctx, "r3"))
	doc := receive(t, inbound)
	assert.Equal(t, message.KindTwinPropertyRequest, doc.Kind)
	assert.Equal(t, "r3", doc.RequestID)
	assert.Equal(t, http.StatusOK, doc.Status)
	assert.JSONEq(t, `{"desired":{"interval":30,"$version":1},"reported":{"firmware":"1.0","net":{},"$version":2}}`, string(doc.Body))

	assert.Error(t, tr.SendPropertyUpdate(ctx, "r4", []byte(`not json`)))
	assert.Error(t, tr.SendPropertyUpdate(ctx, "", []byte(`{}`)))
	assert.Error(t, tr.RequestTwinProperties(ctx, ""))
}

func TestOrderingWithSlowConsumer(t *testing.T) {
	hub := NewHub()
	tr := hub.Connect("dev1", &Options{ReceiverCapacity: 1})
	defer tr.Close()

	// more deliveries than the receiver can buffer must not block the hub
	for i := 0; i < 20; i++ {
		_, err := hub.SendCloudToDevice("dev1", []byte{byte(i)}, nil)
		require.NoError(t, err)
	}
	inbound, err := tr.Receiver(context.Background())
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		msg := receive(t, inbound)
		assert.Equal(t, []byte{byte(i)}, msg.Body)
	}
}

func TestNotConnected(t *testing.T) {
	hub := NewHub()
	_, err := hub.SendCloudToDevice("nobody", []byte("x"), nil)
	assert.True(t, errors.Is(err, ErrNotConnected))
	_, err = hub.InvokeMethod("nobody", "r", "m", nil)
	assert.True(t, errors.Is(err, ErrNotConnected))

	// desired properties are stored for later
	version, err := hub.UpdateDesired("nobody", []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestUnknownDeviceAccessors(t *testing.T) {
	hub := NewHub()
	assert.Empty(t, hub.Telemetry("nobody"))
	assert.Empty(t, hub.MethodResponses("nobody"))
	reported, version := hub.Reported("nobody")
	assert.JSONEq(t, `{}`, string(reported))
	assert.Equal(t, 0, version)
	assert.Equal(t, 0, hub.Pings("nobody"))
	assert.Equal(t, 0, hub.Connected("nobody"))
	assert.Empty(t, hub.devices, "reading must not register devices")
}

func TestCloneAndClose(t *testing.T) {
	hub := NewHub()
	tr := hub.Connect("dev1", &Options{KeepaliveInterval: 5 * time.Millisecond})
	first, err := tr.Clone()
	require.NoError(t, err)
	second, err := first.Clone()
	require.NoError(t, err)

	k := tr.Keepalive()
	require.NotNil(t, k)
	require.Eventually(t, func() bool { return hub.Pings("dev1") >= 2 }, time.Second, time.Millisecond)

	inbound, err := second.Receiver(context.Background())
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	require.NoError(t, first.Close())
	assert.True(t, k.Running())
	assert.Equal(t, 1, hub.Connected("dev1"))
	assert.ErrorIs(t, tr.SendMessage(context.Background(), message.New(nil)), transport.ErrClosed)
	assert.NoError(t, second.Ping(context.Background()))

	require.NoError(t, second.Close())
	select {
	case <-k.Done():
	case <-time.After(time.Second):
		t.Fatal("keepalive still running")
	}
	assert.Equal(t, 0, hub.Connected("dev1"))

	select {
	case _, ok := <-inbound:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("receiver not closed")
	}
}

func TestCanceledContext(t *testing.T) {
	hub := NewHub()
	tr := hub.Connect("dev1", nil)
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := tr.SendMessage(ctx, message.New(nil))
	var transportErr *transport.Error
	require.True(t, errors.As(err, &transportErr))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, hub.Telemetry("dev1"))
}
