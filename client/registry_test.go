// Copyright (c) 2022 The rcproxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_TryAddThenTryRemove(t *testing.T) {
	r := newRegistry()
	req := newRequest(1, "echo", nil, 1000, true, nil, nil)

	assert.True(t, r.tryAdd(req))
	assert.Equal(t, 1, r.len())

	got, ok := r.tryRemove(1)
	assert.True(t, ok)
	assert.Same(t, req, got)
	assert.Equal(t, 0, r.len())
}

func TestRegistry_TryAddRejectsDuplicateSeqId(t *testing.T) {
	r := newRegistry()
	req1 := newRequest(1, "echo", nil, 1000, true, nil, nil)
	req2 := newRequest(1, "echo", nil, 1000, true, nil, nil)

	assert.True(t, r.tryAdd(req1))
	assert.False(t, r.tryAdd(req2))
}

func TestRegistry_TryRemoveIsIndexOnlyNotCompletion(t *testing.T) {
	// tryRemove must not itself complete the request: onSendCallback relies on
	// removing a request from the registry (to clear it before a retry)
	// without that removal being mistaken for a terminal outcome.
	r := newRegistry()
	req := newRequest(1, "echo", nil, 1000, true, nil, nil)
	r.tryAdd(req)

	_, ok := r.tryRemove(1)
	assert.True(t, ok)
	assert.True(t, req.complete(), "complete() should still report the first win, proving tryRemove never called it")
}

func TestRegistry_ReapExpiredFiresOnTimeoutForExpiredEntries(t *testing.T) {
	r := newRegistry()
	req := newRequest(1, "echo", nil, 1, true, nil, nil) // 1ms receive timeout
	req.SentTime = time.Now().Add(-time.Hour)
	r.tryAdd(req)
	r.armTimeout(req)

	var fired *Request
	r.reapExpired(time.Now(), func(got *Request) { fired = got })

	assert.Same(t, req, fired)
	_, stillThere := r.tryRemove(1)
	assert.False(t, stillThere)
}

func TestRegistry_ReapExpiredSkipsEntriesNotYetDue(t *testing.T) {
	r := newRegistry()
	req := newRequest(1, "echo", nil, 1000*1000, true, nil, nil) // huge timeout
	req.SentTime = time.Now()
	r.tryAdd(req)
	r.armTimeout(req)

	var fired *Request
	r.reapExpired(time.Now(), func(got *Request) { fired = got })

	assert.Nil(t, fired)
	_, stillThere := r.tryRemove(1)
	assert.True(t, stillThere)
}

func TestRegistry_ReapExpiredDoesNotDoubleFireAnAlreadyCompletedRequest(t *testing.T) {
	// Simulates the race: the message arrives and completes the request via
	// onMessageReceived (which calls tryRemove then complete()) right before
	// the timeout scan would have reaped it from the deadline tree.
	r := newRegistry()
	req := newRequest(1, "echo", nil, 1, true, nil, nil)
	req.SentTime = time.Now().Add(-time.Hour)
	r.tryAdd(req)
	r.armTimeout(req)

	r.tryRemove(1)
	assert.True(t, req.complete()) // message-arrival path wins the race first

	var fired *Request
	r.reapExpired(time.Now(), func(got *Request) { fired = got })
	assert.Nil(t, fired, "a request already completed by another path must not fire onTimeout too")
}

func TestRegistry_ArmTimeoutIsNoOpForZeroReceiveTimeout(t *testing.T) {
	r := newRegistry()
	req := newRequest(1, "echo", nil, 0, true, nil, nil)
	req.SentTime = time.Now().Add(-time.Hour)
	r.tryAdd(req)
	r.armTimeout(req)

	var fired *Request
	r.reapExpired(time.Now(), func(got *Request) { fired = got })
	assert.Nil(t, fired, "a request with no receive timeout should never be armed")
}
