// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package token mints and caches the short-lived authorization tokens a device presents to the hub.

A Source mints a token that is valid until a given instant. Three sources are provided:

	SharedAccessKey  a shared access signature computed from the device's symmetric key
	JWTSigner        an HS256 signed JSON web token, sent as "Bearer <jwt>"
	Remote           a token requested from an identity provider over HTTPS

A Cache sits in front of a source. It hands out the cached token as long as it is valid
for at least another RefreshMargin, and otherwise mints a new one valid for Lifetime:

	cache := token.NewCache(token.SharedAccessKey{HubName: hub, DeviceID: id, Key: key})
	auth, err := cache.Token(ctx)

The cache is safe for concurrent use. A failing source leaves the cached token untouched
and the error satisfies errors.Is(err, token.ErrMint).
*/
package token
