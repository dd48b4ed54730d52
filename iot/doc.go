// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package iot provides the device side of hub communication

A device authenticates with short lived tokens from package token, which are cached and
refreshed before they expire. Package transport defines the contract every protocol
implements, together with the shared keepalive supervisor. The HTTPS protocol lives in
transport/https, an in-process protocol with every feature in transport/mem.

Package device combines a transport with a feature profile into a client, and package
hubsim simulates the hub's HTTPS device API for tests and local development.
*/
package iot
