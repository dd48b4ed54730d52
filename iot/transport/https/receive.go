// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package https

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/relabs-tech/hubdevice/core/logger"
	"github.com/relabs-tech/hubdevice/iot/message"
	"github.com/relabs-tech/hubdevice/iot/transport"
)

// receiveLoop polls for cloud-to-device messages until the shared state shuts down
func (s *state) receiveLoop() {
	defer close(s.inbound)
	ctx := s.recvCtx
	rlog := logger.FromContext(ctx)

	for {
		msg, etag, err := s.poll(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			rlog.WithError(err).Warnln("cannot receive cloud-to-device message")
		}
		if msg == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.pollInterval):
			}
			continue
		}

		select {
		case s.inbound <- *msg:
		case <-ctx.Done():
			return
		}

		if etag != "" {
			if err := s.complete(ctx, etag); err != nil && ctx.Err() == nil {
				rlog.WithError(err).Warnln("cannot complete cloud-to-device message", msg.MessageID)
			}
		}
	}
}

// poll fetches at most one message. A nil message without error means there was none.
func (s *state) poll(ctx context.Context) (*message.Inbound, string, error) {
	const op = "receive"
	auth, err := s.cache.Token(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url("/messages/deviceBound"), nil)
	if err != nil {
		return nil, "", &transport.Error{Op: op, Err: err}
	}
	req.Header.Set("Authorization", auth)

	res, err := s.client.Do(req)
	if err != nil {
		return nil, "", &transport.Error{Op: op, Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNoContent {
		return nil, "", nil
	}
	if res.StatusCode != http.StatusOK {
		return nil, "", s.checkStatus(op, res)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, "", &transport.Error{Op: op, Err: err}
	}

	msg := &message.Inbound{
		Kind:      message.KindCloudToDevice,
		MessageID: res.Header.Get(MessageIDHeader),
		Body:      body,
	}
	for key, values := range res.Header {
		lower := strings.ToLower(key)
		if strings.HasPrefix(lower, PropertyHeaderPrefix) && len(values) > 0 {
			if msg.Properties == nil {
				msg.Properties = map[string]string{}
			}
			msg.Properties[strings.TrimPrefix(lower, PropertyHeaderPrefix)] = values[0]
		}
	}
	return msg, strings.Trim(res.Header.Get("ETag"), `"`), nil
}

// complete tells the hub that the message with etag was delivered
func (s *state) complete(ctx context.Context, etag string) error {
	const op = "complete"
	auth, err := s.cache.Token(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.url("/messages/deviceBound/"+url.PathEscape(etag)), nil)
	if err != nil {
		return &transport.Error{Op: op, Err: err}
	}
	req.Header.Set("Authorization", auth)

	res, err := s.client.Do(req)
	if err != nil {
		return &transport.Error{Op: op, Err: err}
	}
	defer res.Body.Close()
	return s.checkStatus(op, res)
}
