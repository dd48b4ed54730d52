// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package device

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/relabs-tech/hubdevice/iot/token"
	"github.com/relabs-tech/hubdevice/iot/transport"
	"github.com/relabs-tech/hubdevice/iot/transport/https"
)

const defaultFeatures = "telemetry,c2d"

// ErrNoCredentials is returned by Config.Source when no credential is configured
var ErrNoCredentials = errors.New("no device credentials configured")

// Config holds the configuration of a device. Credentials are picked in the order
// CREDENTIALS_URL, JWT_SIGNING_KEY, SHARED_ACCESS_KEY.
type Config struct {
	HubName             string        `env:"HUB_NAME,required" description:"host name of the hub, optionally with port"`
	DeviceID            string        `env:"DEVICE_ID,required" description:"the identity of this device"`
	SharedAccessKey     string        `env:"SHARED_ACCESS_KEY" description:"base64 encoded symmetric key for shared access signatures"`
	SharedAccessKeyName string        `env:"SHARED_ACCESS_KEY_NAME" description:"optional name of the shared access policy"`
	JWTSigningKey       string        `env:"JWT_SIGNING_KEY" description:"key for locally signed HS256 bearer tokens"`
	CredentialsURL      string        `env:"CREDENTIALS_URL" description:"token endpoint of an identity provider"`
	ThingKey            string        `env:"THING_KEY" description:"the thing key for the identity provider"`
	KeepaliveInterval   time.Duration `env:"KEEPALIVE_INTERVAL,default=15s" description:"interval between keepalive pings, 0 disables them"`
	PollInterval        time.Duration `env:"C2D_POLL_INTERVAL,default=25s" description:"wait between empty cloud-to-device polls"`
	ReceiverCapacity    int           `env:"RECEIVER_CAPACITY,default=16" description:"buffer size of the receiver channel"`
	Features            string        `env:"FEATURES" description:"comma separated feature profile, default telemetry,c2d"`
	LogLevel            string        `env:"LOG_LEVEL,default=info" description:"the log level"`
}

// LoadConfig reads the configuration from the environment
func LoadConfig() (*Config, error) {
	config := &Config{}
	if err := envdecode.Decode(config); err != nil {
		return nil, fmt.Errorf("cannot load device configuration: %w", err)
	}
	if config.Features == "" {
		config.Features = defaultFeatures
	}
	return config, nil
}

// Source returns the configured credential source
func (c *Config) Source() (token.Source, error) {
	switch {
	case c.CredentialsURL != "":
		if c.ThingKey == "" {
			return nil, errors.New("CREDENTIALS_URL needs THING_KEY")
		}
		return token.Remote{URL: c.CredentialsURL, DeviceID: c.DeviceID, ThingKey: c.ThingKey}, nil
	case c.JWTSigningKey != "":
		return token.JWTSigner{
			Issuer:   c.DeviceID,
			HubName:  c.HubName,
			DeviceID: c.DeviceID,
			Key:      []byte(c.JWTSigningKey),
		}, nil
	case c.SharedAccessKey != "":
		return token.SharedAccessKey{
			HubName:  c.HubName,
			DeviceID: c.DeviceID,
			Key:      c.SharedAccessKey,
			KeyName:  c.SharedAccessKeyName,
		}, nil
	}
	return nil, ErrNoCredentials
}

// FeatureProfile returns the parsed feature profile
func (c *Config) FeatureProfile() (transport.Feature, error) {
	features := c.Features
	if features == "" {
		features = defaultFeatures
	}
	return ParseFeatures(features)
}

// HTTPSBuilder returns a builder for the HTTPS transport of this configuration
func (c *Config) HTTPSBuilder() (*https.Builder, error) {
	source, err := c.Source()
	if err != nil {
		return nil, err
	}
	return &https.Builder{
		HubName:          c.HubName,
		DeviceID:         c.DeviceID,
		Source:           source,
		PollInterval:     c.PollInterval,
		ReceiverCapacity: c.ReceiverCapacity,
	}, nil
}

// ParseFeatures parses a comma separated feature list such as "telemetry,twin,methods,c2d"
func ParseFeatures(s string) (transport.Feature, error) {
	f, ok := transport.ParseFeature(s)
	if !ok {
		return 0, fmt.Errorf("invalid feature list '%s'", s)
	}
	if f == 0 {
		return 0, errors.New("feature list is empty")
	}
	return f, nil
}

func (c *Config) String() string {
	var credential string
	switch {
	case c.CredentialsURL != "":
		credential = "remote " + c.CredentialsURL
	case c.JWTSigningKey != "":
		credential = "jwt"
	case c.SharedAccessKey != "":
		credential = "sas"
	default:
		credential = "none"
	}
	return strings.Join([]string{
		"hub=" + c.HubName,
		"device=" + c.DeviceID,
		"credentials=" + credential,
		"features=" + c.Features,
	}, " ")
}
