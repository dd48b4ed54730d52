package logger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextWithLoggerKeepsExistingLogger(t *testing.T) {
	ctx, rlog := ContextWithLogger(context.Background())
	require.NotNil(t, rlog)

	again, rlog2 := ContextWithLogger(ctx)
	assert.Equal(t, ctx, again)
	assert.Same(t, rlog, rlog2)
	assert.NotEmpty(t, RequestIDFromContext(ctx))
}

func TestContextWithDevice(t *testing.T) {
	ctx, rlog := ContextWithDevice(context.Background(), "dev1")
	assert.Equal(t, "dev1", rlog.Data[deviceIDLoggerKey])
	assert.Equal(t, rlog.Data[requestIDLoggerKey], RequestIDFromContext(ctx))

	_, other := ContextWithDevice(ctx, "dev1")
	assert.NotEqual(t, rlog.Data[requestIDLoggerKey], other.Data[requestIDLoggerKey])
}

func TestFromContextWithoutLogger(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))
	assert.Empty(t, RequestIDFromContext(context.Background()))
}

func TestAddRequestID(t *testing.T) {
	router := mux.NewRouter()
	AddRequestID(router)
	var seen string
	router.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NotEmpty(t, seen)
}

func TestInitLoggerFromString(t *testing.T) {
	defer logrus.SetLevel(logrus.GetLevel())
	InitLoggerFromString("debug")
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
	InitLoggerFromString("nonsense")
	assert.Equal(t, logrus.InfoLevel, logrus.GetLevel())
}
