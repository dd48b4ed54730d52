// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package token

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// SharedAccessKey mints shared access signatures for a device from its base64
// encoded symmetric key.
type SharedAccessKey struct {
	HubName  string
	DeviceID string
	// Key is the base64 encoded symmetric key
	Key string
	// KeyName is optional, it is appended as skn when set
	KeyName string
}

// Token returns "SharedAccessSignature sr=...&sig=...&se=..." valid until expiresAt
func (s SharedAccessKey) Token(_ context.Context, expiresAt time.Time) (string, error) {
	key, err := base64.StdEncoding.DecodeString(s.Key)
	if err != nil {
		return "", fmt.Errorf("invalid shared access key: %w", err)
	}
	if len(key) == 0 {
		return "", fmt.Errorf("shared access key is empty")
	}

	resource := url.QueryEscape(s.HubName + "/devices/" + s.DeviceID)
	expiry := strconv.FormatInt(expiresAt.Unix(), 10)

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(resource + "\n" + expiry))
	signature := url.QueryEscape(base64.StdEncoding.EncodeToString(mac.Sum(nil)))

	token := "SharedAccessSignature sr=" + resource + "&sig=" + signature + "&se=" + expiry
	if s.KeyName != "" {
		token += "&skn=" + url.QueryEscape(s.KeyName)
	}
	return token, nil
}
