// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package token

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrMint is returned, wrapped, by Cache.Token when the source failed to mint a token
	ErrMint = errors.New("cannot mint token")
	// ErrUnavailable is returned, wrapped, when the identity provider cannot be reached
	ErrUnavailable = errors.New("identity provider unreachable")
)

// Source mints a token valid until expiresAt. Implementations must be safe for
// concurrent use.
type Source interface {
	Token(ctx context.Context, expiresAt time.Time) (string, error)
}

// SourceFunc adapts a function to a Source
type SourceFunc func(ctx context.Context, expiresAt time.Time) (string, error)

// Token calls f(ctx, expiresAt)
func (f SourceFunc) Token(ctx context.Context, expiresAt time.Time) (string, error) {
	return f(ctx, expiresAt)
}
