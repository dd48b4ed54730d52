// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package token

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Headers a thing authenticates with against the identity provider
const (
	ThingKeyHeader        = "Kurbisio-Thing-Key"
	ThingIdentifierHeader = "Kurbisio-Thing-Identifier"
)

// Request is the body posted to the identity provider
type Request struct {
	DeviceID  string    `json:"device_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Response is the identity provider's answer
type Response struct {
	Token string `json:"token"`
}

// Remote requests tokens from an identity provider
type Remote struct {
	// URL is the token endpoint, e.g. https://hub.example.com/credentials/token
	URL      string
	DeviceID string
	// ThingKey is the shared secret the thing authenticates with
	ThingKey string
	// HTTPClient is optional, the default has a 20 second timeout
	HTTPClient *http.Client
}

var defaultRemoteClient = &http.Client{Timeout: 20 * time.Second}

// Token asks the identity provider for a token valid until expiresAt. Failures to reach the
// provider, and rejections by it, satisfy errors.Is(err, ErrUnavailable).
func (r Remote) Token(ctx context.Context, expiresAt time.Time) (string, error) {
	body, err := json.Marshal(Request{DeviceID: r.DeviceID, ExpiresAt: expiresAt.UTC()})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ThingKeyHeader, r.ThingKey)
	req.Header.Set(ThingIdentifierHeader, r.DeviceID)

	client := r.HTTPClient
	if client == nil {
		client = defaultRemoteClient
	}
	res, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer res.Body.Close()
	resBody, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))

	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("%w: got status %d: %s", ErrUnavailable, res.StatusCode, strings.TrimSpace(string(resBody)))
	}

	var response Response
	if err := json.Unmarshal(resBody, &response); err != nil {
		return "", fmt.Errorf("cannot decode token response: %w", err)
	}
	if response.Token == "" {
		return "", fmt.Errorf("identity provider returned no token")
	}
	return response.Token, nil
}
