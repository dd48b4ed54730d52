// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package transport

import "sync"

// Refs is a reference count shared by the clones of a transport. The release function
// runs exactly once, when the last holder releases.
type Refs struct {
	mutex  sync.Mutex
	count  int
	onZero func()
}

// NewRefs returns a count of one
func NewRefs(onZero func()) *Refs {
	return &Refs{count: 1, onZero: onZero}
}

// Acquire adds a holder. It returns false if the count already dropped to zero.
func (r *Refs) Acquire() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.count == 0 {
		return false
	}
	r.count++
	return true
}

// Release drops a holder. Releasing more often than acquired is a no-op.
func (r *Refs) Release() {
	r.mutex.Lock()
	if r.count == 0 {
		r.mutex.Unlock()
		return
	}
	r.count--
	last := r.count == 0
	r.mutex.Unlock()

	if last && r.onZero != nil {
		r.onZero()
	}
}

// Count returns the number of holders
func (r *Refs) Count() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.count
}
