package transport

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFeature(t *testing.T) {
	f := FeatureTelemetry | FeatureCloudToDevice
	assert.True(t, f.Has(FeatureTelemetry))
	assert.False(t, f.Has(FeatureTelemetry|FeatureTwinProperties))
	assert.Equal(t, FeatureTwinProperties|FeatureDirectMethods, f.Missing(FeatureTwinProperties|FeatureDirectMethods|FeatureTelemetry))
	assert.Equal(t, "telemetry,c2d", f.String())

	parsed, ok := ParseFeature(" telemetry, twin ,methods,c2d")
	assert.True(t, ok)
	assert.Equal(t, FeatureTelemetry|FeatureTwinProperties|FeatureDirectMethods|FeatureCloudToDevice, parsed)

	_, ok = ParseFeature("telemetry,teleportation")
	assert.False(t, ok)
}

func TestErrors(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", Unsupported("https", "ping"))
	assert.True(t, errors.Is(err, ErrUnsupported))
	var unsupported *UnsupportedError
	assert.True(t, errors.As(err, &unsupported))
	assert.Equal(t, "ping", unsupported.Operation)
	assert.Equal(t, "https: ping: operation not supported by this protocol", unsupported.Error())

	status := &StatusError{Op: "send_message", StatusCode: http.StatusUnauthorized}
	assert.True(t, errors.Is(status, ErrUnauthorized))
	assert.False(t, errors.Is(&StatusError{StatusCode: http.StatusBadRequest}, ErrUnauthorized))
	assert.Equal(t, "send_message: hub returned 401 Unauthorized", status.Error())

	cause := errors.New("connection refused")
	terr := &Error{Op: "send_message", Err: cause}
	assert.True(t, errors.Is(terr, cause))
	assert.Equal(t, "send_message: connection refused", terr.Error())
}
