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
	"sync/atomic"
	"time"
)

// seqIdMask keeps sequence ids within the top-bit-clear 31 bit range so they
// can be carried in a signed 32 bit wire field without sign ambiguity.
const seqIdMask = 0x7fffffff

// Message is the minimal shape the core needs from an application response:
// enough to correlate it back to the Request that produced it.
type Message interface {
	SeqId() int32
}

// Request is a single in-flight call. It is built by Client.NewRequest and
// handed to Client.Send; from then on its lifecycle is owned by the pending
// queue, the receiving registry and the send/receive state machine, and it
// completes exactly once via OnResult or OnException.
type Request struct {
	SeqId int32
	Name  string
	Body  []byte

	MillisecondsReceiveTimeout int
	AllowRetry                 bool

	CreatedTime time.Time
	SentTime    time.Time

	// sendConnection is the connection currently carrying this request, if any.
	sendConnection Connection

	onResult    func(Message)
	onException func(error)

	done int32 // atomic: 0 = pending, 1 = completed

	// sendStarted is set by Client.onStartSending and cleared by dispatch
	// before each BeginSend attempt. It tells dispatch whether the
	// connection host already routed a BeginSend failure through
	// onStartSending/onSendCallback (which owns retry/failure for that
	// attempt) versus never having taken responsibility for req at all.
	sendStarted int32
}

// newRequest allocates a Request with a freshly minted sequence id.
func newRequest(seqId int32, name string, body []byte, recvTimeoutMs int, allowRetry bool, onException func(error), onResult func(Message)) *Request {
	return &Request{
		SeqId:                      seqId,
		Name:                       name,
		Body:                       body,
		MillisecondsReceiveTimeout: recvTimeoutMs,
		AllowRetry:                 allowRetry,
		CreatedTime:                time.Now(),
		onResult:                   onResult,
		onException:                onException,
	}
}

// complete marks the request done exactly once and reports which outcome,
// to callers that want to know whether they won the completion race.
func (r *Request) complete() bool {
	return atomic.CompareAndSwapInt32(&r.done, 0, 1)
}

// allocateSeqId draws the next sequence id from counter, masking into the
// top-bit-clear 31 bit range and skipping the reserved value 0. Mirrors the
// teacher's package-level msgId/fragId counters, but scoped per Client
// instance since sequence ids only need to be unique within one client.
func allocateSeqId(counter *int32) int32 {
	for {
		v := atomic.AddInt32(counter, 1) & seqIdMask
		if v != 0 {
			return v
		}
	}
}
