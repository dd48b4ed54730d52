package main

import (
	"crypto/tls"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"

	"github.com/relabs-tech/hubdevice/core/logger"
	"github.com/relabs-tech/hubdevice/core/schema"
	"github.com/relabs-tech/hubdevice/iot/hubsim"
)

// Service holds the configuration for this service
//
// use CERT_FILE=server.crt KEY_FILE=server.key SIGNING_KEY=secret THING_KEY=thing
type Service struct {
	Address    string `env:"ADDRESS,default=:8443" description:"the address to listen on"`
	HubName    string `env:"HUB_NAME,default=localhost:8443" description:"the hub name devices use, audience of issued tokens"`
	CertFile   string `env:"CERT_FILE,required" description:"the TLS certificate file"`
	KeyFile    string `env:"KEY_FILE,required" description:"the TLS key file"`
	SigningKey string `env:"SIGNING_KEY" description:"HS256 key for device tokens, without it every device is accepted"`
	ThingKey   string `env:"THING_KEY" description:"the thing key for POST /credentials/token"`
	SchemaDir  string `env:"SCHEMA_DIR" description:"directory with JSON schemas for telemetry"`
	SchemaID   string `env:"TELEMETRY_SCHEMA" description:"the $id of the telemetry schema"`
	LogLevel   string `env:"LOG_LEVEL,default=info" description:"the log level"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	logger.InitLoggerFromString(service.LogLevel)
	rlog := logger.Default()

	router := mux.NewRouter()
	builder := &hubsim.Builder{
		Router:     router,
		HubName:    service.HubName,
		ThingKey:   service.ThingKey,
		SigningKey: []byte(service.SigningKey),
	}
	if service.SigningKey != "" {
		builder.Authorizer = hubsim.JWTAuthorizer([]byte(service.SigningKey), service.HubName)
	}
	if service.SchemaDir != "" {
		validator, err := schema.NewValidatorFromFS(os.DirFS(service.SchemaDir))
		if err != nil {
			rlog.WithError(err).Fatalln("cannot load schemas")
		}
		builder.Validator = validator
		builder.TelemetrySchema = service.SchemaID
	}
	if _, err := hubsim.New(builder); err != nil {
		rlog.WithError(err).Fatalln("cannot create hub simulator")
	}

	server := &http.Server{
		Addr:              service.Address,
		Handler:           handlers.CombinedLoggingHandler(os.Stdout, handlers.CompressHandler(router)),
		TLSConfig:         &tls.Config{MinVersion: tls.VersionTLS12},
		ReadHeaderTimeout: 10 * time.Second,
	}
	rlog.Infoln("listen on", service.Address, "as hub", service.HubName)
	if err := server.ListenAndServeTLS(service.CertFile, service.KeyFile); err != nil {
		rlog.WithError(err).Fatalln("server stopped")
	}
}
