package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindString(t *testing.T) {
	assert.Equal(t, "telemetry", KindTelemetry.String())
	assert.Equal(t, "twin-property-update", KindTwinPropertyUpdate.String())
	assert.Equal(t, "twin-property-request", KindTwinPropertyRequest.String())
	assert.Equal(t, "direct-method-response", KindDirectMethodResponse.String())
	assert.Equal(t, "cloud-to-device", KindCloudToDevice.String())
	assert.Equal(t, "direct-method-invocation", KindDirectMethodInvocation.String())
	assert.Equal(t, "unknown", Kind(42).String())
}

func TestNew(t *testing.T) {
	body := []byte(`{"temp":21}`)
	m := New(body).WithProperty("unit", "C")
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, body, m.Body)
	assert.Equal(t, map[string]string{"unit": "C"}, m.Properties)
	assert.NotEqual(t, m.ID, New(body).ID)
}
