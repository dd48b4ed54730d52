// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package transport defines the contract every device protocol implements

A Transport sends telemetry, twin property updates, twin requests and direct method
responses, and exposes one ordered receiver for everything the hub sends to the device:

	cloud-to-device messages   message.KindCloudToDevice
	direct method invocations  message.KindDirectMethodInvocation
	twin responses and patches message.KindTwinPropertyRequest, message.KindTwinPropertyUpdate

Not every protocol can do everything. Features reports what an implementation provides,
and operations outside of that set fail with an error satisfying
errors.Is(err, ErrUnsupported) instead of crashing.

Keepalive

A Keepalive pings a transport on an interval. It is shared by all clones of a transport
through Acquire and Release and stops when the last holder releases it. An owner that
wants deterministic teardown calls Shutdown.
*/
package transport
