/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package bus

import "time"

// trylockMutex is a mutex that can be acquired with a bounded wait, the Go
// equivalent of the original firmware's xSemaphoreTake(mutex,
// pdMS_TO_TICKS(10)). A buffered channel of capacity one is used as the
// lock token since sync.Mutex exposes no timed acquisition.
type trylockMutex chan struct{}

func (m *trylockMutex) init() {
	if *m == nil {
		*m = make(chan struct{}, 1)
		(*m) <- struct{}{}
	}
}

// TryLockTimeout attempts to acquire the lock, giving up after d elapses.
func (m *trylockMutex) TryLockTimeout(d time.Duration) bool {
	m.init()
	select {
	case <-*m:
		return true
	case <-time.After(d):
		return false
	}
}

// Unlock releases the lock. It must only be called after a successful
// TryLockTimeout.
func (m *trylockMutex) Unlock() {
	*m <- struct{}{}
}
