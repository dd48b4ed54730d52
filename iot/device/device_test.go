package device

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/hubdevice/core/schema"
	"github.com/relabs-tech/hubdevice/iot/hubsim"
	"github.com/relabs-tech/hubdevice/iot/message"
	"github.com/relabs-tech/hubdevice/iot/token"
	"github.com/relabs-tech/hubdevice/iot/transport"
	"github.com/relabs-tech/hubdevice/iot/transport/https"
	"github.com/relabs-tech/hubdevice/iot/transport/mem"
)

const allFeatures = transport.FeatureTelemetry | transport.FeatureTwinProperties |
	transport.FeatureDirectMethods | transport.FeatureCloudToDevice

func next(t *testing.T, ch <-chan message.Inbound) message.Inbound {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("nothing received")
	}
	return message.Inbound{}
}

func TestFeatureUnavailable(t *testing.T) {
	tr, err := https.New(&https.Builder{
		HubName:  "myhub",
		DeviceID: "dev1",
		Source:   token.SourceFunc(func(context.Context, time.Time) (string, error) { return "t", nil }),
	})
	require.NoError(t, err)
	defer tr.Close()

	_, err = New(context.Background(), &Builder{Transport: tr, Features: transport.FeatureTelemetry | transport.FeatureTwinProperties})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFeatureUnavailable))
	assert.Contains(t, err.Error(), "twin")

	c, err := New(context.Background(), &Builder{Transport: tr, Features: transport.FeatureTelemetry | transport.FeatureCloudToDevice})
	require.NoError(t, err)
	assert.NoError(t, c.Close())
}

func TestFeatureDisabled(t *testing.T) {
	hub := mem.NewHub()
	c, err := New(context.Background(), &Builder{Transport: hub.Connect("dev1", nil), DeviceID: "dev1"})
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	assert.Equal(t, transport.FeatureTelemetry, c.Features())
	assert.NoError(t, c.SendTelemetry(ctx, []byte(`{}`), nil))

	_, err = c.UpdateReported(ctx, []byte(`{"a":1}`))
	assert.True(t, errors.Is(err, ErrFeatureDisabled))
	_, err = c.RequestTwin(ctx)
	assert.True(t, errors.Is(err, ErrFeatureDisabled))
	err = c.RespondToMethod(ctx, "r", 200, nil)
	assert.True(t, errors.Is(err, ErrFeatureDisabled))
	_, err = c.Messages(ctx)
	assert.True(t, errors.Is(err, ErrFeatureDisabled))
}

func TestTwinCorrelation(t *testing.T) {
	hub := mem.NewHub()
	ctx := context.Background()
	c, err := New(ctx, &Builder{Transport: hub.Connect("dev1", nil), DeviceID: "dev1", Features: allFeatures})
	require.NoError(t, err)
	defer c.Close()

	messages, err := c.Messages(ctx)
	require.NoError(t, err)

	first, err := c.UpdateReported(ctx, []byte(`{"firmware":"2.1"}`))
	require.NoError(t, err)
	second, err := c.RequestTwin(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, first)
	assert.NotEqual(t, first, second)

	ack := next(t, messages)
	assert.Equal(t, message.KindTwinPropertyUpdate, ack.Kind)
	assert.Equal(t, first, ack.RequestID)
	assert.Equal(t, 1, ack.Version)

	doc := next(t, messages)
	assert.Equal(t, message.KindTwinPropertyRequest, doc.Kind)
	assert.Equal(t, second, doc.RequestID)
	assert.JSONEq(t, `{"desired":{"$version":0},"reported":{"firmware":"2.1","$version":1}}`, string(doc.Body))
}

func TestDirectMethod(t *testing.T) {
	hub := mem.NewHub()
	ctx := context.Background()
	c, err := New(ctx, &Builder{
		Transport: hub.Connect("dev1", nil),
		Features:  transport.FeatureTelemetry | transport.FeatureDirectMethods,
	})
	require.NoError(t, err)
	defer c.Close()

	messages, err := c.Messages(ctx)
	require.NoError(t, err)
	requestID, err := hub.InvokeMethod("dev1", "", "blink", []byte(`{"times":3}`))
	require.NoError(t, err)

	invocation := next(t, messages)
	assert.Equal(t, "blink", invocation.Method)
	require.NoError(t, c.RespondToMethod(ctx, invocation.RequestID, http.StatusOK, []byte(`{"done":true}`)))

	responses := hub.MethodResponses("dev1")
	require.Len(t, responses, 1)
	assert.Equal(t, requestID, responses[0].RequestID)
	assert.JSONEq(t, `{"done":true}`, string(responses[0].Body))
}

func TestKeepaliveShutdownOnClose(t *testing.T) {
	hub := mem.NewHub()
	tr := hub.Connect("dev1", nil)
	clone, err := tr.Clone()
	require.NoError(t, err)
	defer clone.Close()

	c, err := New(context.Background(), &Builder{Transport: tr, KeepaliveInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	k := c.Keepalive()
	require.NotNil(t, k)
	require.Eventually(t, func() bool { return hub.Pings("dev1") >= 2 }, time.Second, time.Millisecond)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	select {
	case <-k.Done():
	case <-time.After(time.Second):
		t.Fatal("keepalive still running after close")
	}
	// the clone keeps the connection open
	assert.Equal(t, 1, hub.Connected("dev1"))
	assert.ErrorIs(t, c.SendTelemetry(context.Background(), []byte(`{}`), nil), transport.ErrClosed)
}

func TestTelemetryOverHTTPS(t *testing.T) {
	key := []byte("signing-key")
	router := mux.NewRouter()
	validator, err := schema.NewValidator([]string{`{
		"$id": "http://hub.example.com/telemetry.json",
		"type": "object",
		"required": ["temp"],
		"properties": {"temp": {"type": "number"}}
	}`}, nil)
	require.NoError(t, err)

	server := httptest.NewTLSServer(router)
	defer server.Close()
	hubName := strings.TrimPrefix(server.URL, "https://")

	sim, err := hubsim.New(&hubsim.Builder{
		Router:     router,
		HubName:    hubName,
		Authorizer: hubsim.JWTAuthorizer(key, hubName),
		ThingKey:   "thing-key",
		SigningKey: key,
	})
	require.NoError(t, err)

	config := &Config{
		HubName:        hubName,
		DeviceID:       "dev1",
		CredentialsURL: server.URL + "/credentials/token",
		ThingKey:       "thing-key",
		PollInterval:   5 * time.Millisecond,
	}
	b, err := config.HTTPSBuilder()
	require.NoError(t, err)
	b.HTTPClient = server.Client()
	remote := b.Source.(token.Remote)
	remote.HTTPClient = server.Client()
	b.Source = remote

	tr, err := https.New(b)
	require.NoError(t, err)

	ctx := context.Background()
	c, err := New(ctx, &Builder{
		Transport:       tr,
		DeviceID:        "dev1",
		Features:        transport.FeatureTelemetry | transport.FeatureCloudToDevice,
		Validator:       validator,
		TelemetrySchema: "http://hub.example.com/telemetry.json",
	})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.SendTelemetryJSON(ctx, map[string]interface{}{"temp": 21}, map[string]string{"room": "kitchen"}))
	err = c.SendTelemetryJSON(ctx, map[string]interface{}{"temp": "hot"}, nil)
	assert.True(t, errors.Is(err, schema.ErrInvalid))

	received := sim.Telemetry("dev1")
	require.Len(t, received, 1)
	assert.JSONEq(t, `{"temp":21}`, string(received[0].Body))
	assert.Equal(t, "kitchen", received[0].Properties["room"])
	assert.True(t, strings.HasPrefix(received[0].Authorization, "Bearer "))

	messages, err := c.Messages(ctx)
	require.NoError(t, err)
	sim.EnqueueCloudToDevice("dev1", []byte("hello"), nil)
	msg := next(t, messages)
	assert.Equal(t, message.KindCloudToDevice, msg.Kind)
	assert.Equal(t, "hello", string(msg.Body))
}

func TestUnauthorizedOverHTTPS(t *testing.T) {
	router := mux.NewRouter()
	server := httptest.NewTLSServer(router)
	defer server.Close()
	hubName := strings.TrimPrefix(server.URL, "https://")

	_, err := hubsim.New(&hubsim.Builder{Router: router, Authorizer: hubsim.JWTAuthorizer([]byte("right"), hubName)})
	require.NoError(t, err)

	tr, err := https.New(&https.Builder{
		HubName:    hubName,
		DeviceID:   "dev1",
		Source:     token.JWTSigner{HubName: hubName, DeviceID: "dev1", Key: []byte("wrong")},
		HTTPClient: server.Client(),
	})
	require.NoError(t, err)
	c, err := New(context.Background(), &Builder{Transport: tr})
	require.NoError(t, err)
	defer c.Close()

	err = c.SendTelemetry(context.Background(), []byte(`{}`), nil)
	assert.True(t, errors.Is(err, transport.ErrUnauthorized))
	_, valid := tr.TokenCache().ExpiresAt()
	assert.False(t, valid)
}
