// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package transport

import (
	"context"
	"strings"

	"github.com/relabs-tech/hubdevice/iot/message"
)

// Transport is implemented once per wire protocol
type Transport interface {
	// SendMessage publishes a telemetry message
	SendMessage(ctx context.Context, msg *message.Message) error
	// SendPropertyUpdate pushes a reported property patch. The acknowledgement arrives on
	// the receiver with the same request ID.
	SendPropertyUpdate(ctx context.Context, requestID string, body []byte) error
	// RequestTwinProperties requests the full twin document, which arrives on the receiver
	RequestTwinProperties(ctx context.Context, requestID string) error
	// RespondToDirectMethod answers an invocation with the same request ID
	RespondToDirectMethod(ctx context.Context, response *message.DirectMethodResponse) error
	// Ping is a liveness probe, its meaning is protocol specific
	Ping(ctx context.Context) error
	// Receiver returns the single ordered channel of inbound messages. It is closed when the
	// transport shuts down.
	Receiver(ctx context.Context) (<-chan message.Inbound, error)
	// Features reports which capabilities the protocol provides
	Features() Feature
	// Close releases this handle
	Close() error
}

// Feature is a set of transport capabilities
type Feature uint8

// all features
const (
	FeatureTelemetry Feature = 1 << iota
	FeatureTwinProperties
	FeatureDirectMethods
	FeatureCloudToDevice
)

var featureNames = []struct {
	feature Feature
	name    string
}{
	{FeatureTelemetry, "telemetry"},
	{FeatureTwinProperties, "twin"},
	{FeatureDirectMethods, "methods"},
	{FeatureCloudToDevice, "c2d"},
}

// Has returns true if all features in other are in f
func (f Feature) Has(other Feature) bool {
	return f&other == other
}

// Missing returns the features of want that are not in f
func (f Feature) Missing(want Feature) Feature {
	return want &^ f
}

func (f Feature) String() string {
	var names []string
	for _, n := range featureNames {
		if f.Has(n.feature) {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, ",")
}

// ParseFeature parses a comma separated list such as "telemetry,twin,c2d"
func ParseFeature(s string) (Feature, bool) {
	var f Feature
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		found := false
		for _, n := range featureNames {
			if n.name == part {
				f |= n.feature
				found = true
				break
			}
		}
		if !found {
			return 0, false
		}
	}
	return f, true
}
