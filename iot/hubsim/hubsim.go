// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package hubsim simulates the hub's HTTPS device API in-process

It is the peer of the HTTPS transport in tests and, wrapped by services/hubsim, a local
hub for development. The simulator handles the following routes:

	POST   /devices/{device_id}/messages/events
	GET    /devices/{device_id}/messages/deviceBound
	DELETE /devices/{device_id}/messages/deviceBound/{etag}
	POST   /credentials/token

All device routes require the query parameter api-version=2019-03-30.

Telemetry is recorded per device and can be inspected with Telemetry. Cloud-to-device
messages are queued with EnqueueCloudToDevice. A poll hands out the oldest queued message
with a fresh ETag, the message stays pending until the device completes it with a
DELETE on that ETag.

The token route issues HS256 JSON web tokens to things which authenticate with the
headers Kurbisio-Thing-Key and Kurbisio-Thing-Identifier. JWTAuthorizer verifies
those tokens on the device routes.
*/
package hubsim

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/hubdevice/core/logger"
	"github.com/relabs-tech/hubdevice/core/schema"
	"github.com/relabs-tech/hubdevice/iot/token"
	"github.com/relabs-tech/hubdevice/iot/transport/https"
)

// Authorizer decides whether a request may act on behalf of deviceID
type Authorizer func(r *http.Request, deviceID string) error

// Builder is a builder helper for the simulator
type Builder struct {
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// HubName is the name used as token audience. Optional.
	HubName string
	// Authorizer is optional, without it every request is accepted
	Authorizer Authorizer
	// Validator and TelemetrySchema optionally validate telemetry bodies
	Validator       *schema.Validator
	TelemetrySchema string
	// ThingKey and SigningKey enable the token route
	ThingKey   string
	SigningKey []byte
}

// Telemetry is a telemetry message as received by the simulator
type Telemetry struct {
	DeviceID      string
	MessageID     string
	ContentType   string
	Authorization string
	Body          []byte
	Properties    map[string]string
	ReceivedAt    time.Time
}

type cloudToDevice struct {
	messageID  string
	body       []byte
	properties map[string]string
}

// Server is the simulated hub
type Server struct {
	hubName         string
	authorizer      Authorizer
	validator       *schema.Validator
	telemetrySchema string
	thingKey        string
	signingKey      []byte

	mutex     sync.Mutex
	telemetry map[string][]Telemetry
	queues    map[string][]*cloudToDevice
	locked    map[string]map[string]*cloudToDevice
}

// New creates the simulator and adds its routes to the router
func New(b *Builder) (*Server, error) {
	if b.Router == nil {
		return nil, errors.New("router is missing")
	}
	if b.Validator != nil && !b.Validator.HasSchema(b.TelemetrySchema) {
		return nil, errors.New("telemetry schema " + b.TelemetrySchema + " is unknown")
	}
	s := &Server{
		hubName:         b.HubName,
		authorizer:      b.Authorizer,
		validator:       b.Validator,
		telemetrySchema: b.TelemetrySchema,
		thingKey:        b.ThingKey,
		signingKey:      b.SigningKey,
		telemetry:       map[string][]Telemetry{},
		queues:          map[string][]*cloudToDevice{},
		locked:          map[string]map[string]*cloudToDevice{},
	}
	s.handleRoutes(b.Router)
	return s, nil
}

// JWTAuthorizer accepts "Bearer <jwt>" tokens signed with key whose subject is the device
// and, if hubName is set, whose audience is the hub
func JWTAuthorizer(key []byte, hubName string) Authorizer {
	return func(r *http.Request, deviceID string) error {
		bearer := r.Header.Get("Authorization")
		if len(bearer) < 8 || strings.ToLower(bearer[:7]) != "bearer " {
			return errors.New("bearer token missing")
		}
		claims := jwt.StandardClaims{}
		parsed, err := jwt.ParseWithClaims(bearer[7:], &claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return key, nil
		})
		if err != nil {
			return err
		}
		if !parsed.Valid {
			return errors.New("invalid bearer token")
		}
		if claims.Subject != deviceID {
			return errors.New("token is for another device")
		}
		if hubName != "" && !claims.VerifyAudience(hubName, true) {
			return errors.New("token is for another hub")
		}
		return nil
	}
}

// EnqueueCloudToDevice queues a message for deviceID and returns its message ID
func (s *Server) EnqueueCloudToDevice(deviceID string, body []byte, properties map[string]string) string {
	msg := &cloudToDevice{messageID: uuid.New().String(), body: body, properties: properties}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.queues[deviceID] = append(s.queues[deviceID], msg)
	return msg.messageID
}

// Telemetry returns all telemetry received from deviceID, oldest first
func (s *Server) Telemetry(deviceID string) []Telemetry {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]Telemetry{}, s.telemetry[deviceID]...)
}

// Pending returns the number of cloud-to-device messages for deviceID which have not been
// completed yet
func (s *Server) Pending(deviceID string) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.queues[deviceID]) + len(s.locked[deviceID])
}

func (s *Server) handleRoutes(router *mux.Router) {
	rlog := logger.Default()
	rlog.Debugln("hubsim: handle route /devices/{device_id}/messages/events POST")
	rlog.Debugln("hubsim: handle route /devices/{device_id}/messages/deviceBound GET")
	rlog.Debugln("hubsim: handle route /devices/{device_id}/messages/deviceBound/{etag} DELETE")

	logger.AddRequestID(router)

	devices := router.PathPrefix("/devices/{device_id}").Subrouter()
	devices.Use(s.deviceMiddleware)
	devices.HandleFunc("/messages/events", s.handleEvents).Methods(http.MethodPost)
	devices.HandleFunc("/messages/deviceBound", s.handlePoll).Methods(http.MethodGet)
	devices.HandleFunc("/messages/deviceBound/{etag}", s.handleComplete).Methods(http.MethodDelete)

	if s.thingKey != "" && len(s.signingKey) > 0 {
		rlog.Debugln("hubsim: handle route /credentials/token POST")
		router.HandleFunc("/credentials/token", s.handleToken).Methods(http.MethodPost)
	}
}

// deviceMiddleware checks the api version and authorizes the device
func (s *Server) deviceMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("api-version") != https.APIVersion {
			http.Error(w, "unsupported api-version", http.StatusBadRequest)
			return
		}
		if s.authorizer != nil {
			deviceID := mux.Vars(r)["device_id"]
			if err := s.authorizer(r, deviceID); err != nil {
				logger.FromContext(r.Context()).WithError(err).Infoln("device", deviceID, "not authorized")
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
		}
		h.ServeHTTP(w, r)
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.validator != nil {
		if err := s.validator.Validate(body, s.telemetrySchema); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	t := Telemetry{
		DeviceID:      deviceID,
		MessageID:     r.Header.Get(https.MessageIDHeader),
		ContentType:   r.Header.Get("Content-Type"),
		Authorization: r.Header.Get("Authorization"),
		Body:          body,
		Properties:    properties(r.Header),
		ReceivedAt:    time.Now().UTC(),
	}
	s.mutex.Lock()
	s.telemetry[deviceID] = append(s.telemetry[deviceID], t)
	s.mutex.Unlock()

	logger.FromContext(r.Context()).Debugf("telemetry from %s (%d bytes)", deviceID, len(body))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]

	s.mutex.Lock()
	queue := s.queues[deviceID]
	if len(queue) == 0 {
		s.mutex.Unlock()
		w.WriteHeader(http.StatusNoContent)
		return
	}
	msg := queue[0]
	s.queues[deviceID] = queue[1:]
	etag := uuid.New().String()
	if s.locked[deviceID] == nil {
		s.locked[deviceID] = map[string]*cloudToDevice{}
	}
	s.locked[deviceID][etag] = msg
	s.mutex.Unlock()

	w.Header().Set("ETag", `"`+etag+`"`)
	w.Header().Set(https.MessageIDHeader, msg.messageID)
	for key, value := range msg.properties {
		w.Header().Set(https.PropertyHeaderPrefix+strings.ToLower(key), value)
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(msg.body)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	params := mux.Vars(r)
	deviceID := params["device_id"]
	etag := params["etag"]

	s.mutex.Lock()
	_, ok := s.locked[deviceID][etag]
	delete(s.locked[deviceID], etag)
	s.mutex.Unlock()

	if !ok {
		http.Error(w, "no such message", http.StatusPreconditionFailed)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	thing := r.Header.Get(token.ThingIdentifierHeader)
	if r.Header.Get(token.ThingKeyHeader) != s.thingKey || thing == "" {
		http.Error(w, "not authorized", http.StatusUnauthorized)
		return
	}

	var req token.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.DeviceID != thing {
		http.Error(w, "thing identifier does not match device id", http.StatusUnauthorized)
		return
	}
	if req.ExpiresAt.IsZero() {
		req.ExpiresAt = time.Now().Add(token.Lifetime)
	}

	signer := token.JWTSigner{Issuer: "hubsim", HubName: s.hubName, DeviceID: req.DeviceID, Key: s.signingKey}
	signed, err := signer.Token(r.Context(), req.ExpiresAt)
	if err != nil {
		rlog.WithError(err).Errorln("cannot sign token")
		http.Error(w, "cannot sign token", http.StatusInternalServerError)
		return
	}
	rlog.Infoln("issued token for", req.DeviceID, "valid until", req.ExpiresAt)

	jsonData, _ := json.Marshal(token.Response{Token: signed})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	w.Write(jsonData)
}

func properties(header http.Header) map[string]string {
	var props map[string]string
	for key, values := range header {
		lower := strings.ToLower(key)
		if strings.HasPrefix(lower, https.PropertyHeaderPrefix) && len(values) > 0 {
			if props == nil {
				props = map[string]string{}
			}
			props[strings.TrimPrefix(lower, https.PropertyHeaderPrefix)] = values[0]
		}
	}
	return props
}
