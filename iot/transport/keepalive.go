// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package transport

import (
	"context"
	"sync"
	"time"

	"github.com/relabs-tech/hubdevice/core/logger"
)

// DefaultKeepaliveInterval is the interval between pings when none is configured
const DefaultKeepaliveInterval = 15 * time.Second

// Keepalive pings on an interval until the last holder releases it or it is shut down.
type Keepalive struct {
	interval time.Duration
	ping     func(ctx context.Context) error
	refs     *Refs

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	shutdown sync.Once

	mutex sync.Mutex
	stats KeepaliveStats
}

// KeepaliveStats contains keepalive statistics
type KeepaliveStats struct {
	Pings    int
	Failures int
	LastPing time.Time
}

// StartKeepalive starts pinging with ping every interval. The returned keepalive has one
// holder.
func StartKeepalive(ctx context.Context, interval time.Duration, ping func(ctx context.Context) error) *Keepalive {
	if interval <= 0 {
		interval = DefaultKeepaliveInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	k := &Keepalive{
		interval: interval,
		ping:     ping,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	k.refs = NewRefs(k.Shutdown)
	go k.loop(ctx)
	return k
}

// Acquire adds a holder. It returns false if the keepalive is already stopped.
func (k *Keepalive) Acquire() bool {
	if k.ctx.Err() != nil || !k.refs.Acquire() {
		return false
	}
	// a shutdown may have raced the acquire
	if k.ctx.Err() != nil {
		k.refs.Release()
		return false
	}
	return true
}

// Release drops a holder, the last release stops the keepalive
func (k *Keepalive) Release() {
	k.refs.Release()
}

// Holders returns the number of holders
func (k *Keepalive) Holders() int {
	return k.refs.Count()
}

// Shutdown stops the keepalive regardless of holders. An in-flight ping sees its context
// canceled and is not waited for.
func (k *Keepalive) Shutdown() {
	k.shutdown.Do(k.cancel)
}

// Running returns true until the loop has stopped
func (k *Keepalive) Running() bool {
	select {
	case <-k.done:
		return false
	default:
		return true
	}
}

// Done is closed when the loop has stopped
func (k *Keepalive) Done() <-chan struct{} {
	return k.done
}

// Stats returns current keepalive statistics
func (k *Keepalive) Stats() KeepaliveStats {
	k.mutex.Lock()
	defer k.mutex.Unlock()
	return k.stats
}

func (k *Keepalive) loop(ctx context.Context) {
	defer close(k.done)
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		result := make(chan error, 1)
		go func() { result <- k.ping(ctx) }()

		select {
		case <-ctx.Done():
			return
		case err := <-result:
			k.mutex.Lock()
			k.stats.Pings++
			k.stats.LastPing = time.Now()
			if err != nil {
				k.stats.Failures++
			}
			k.mutex.Unlock()
			if err != nil {
				logger.FromContext(ctx).WithError(err).Warnln("keepalive ping failed")
			}
		}
	}
}
