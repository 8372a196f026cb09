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

import "time"

// Option configures a Client at construction time, in the functional-options
// style the teacher uses throughout (core/options.go, core/server/options.go).
type Option func(*options)

type options struct {
	socketBufferSize     int
	messageBufferSize    int
	sendTimeout          time.Duration
	recvTimeout          time.Duration
	dialTimeout          time.Duration
	failFastOnDisconnect bool
	host                 ConnectionHost
	proto                Protocol
	statsNamespace       string
}

func defaultOptions() *options {
	return &options{
		socketBufferSize:  defaultSocketBufferSize,
		messageBufferSize: defaultMessageBufferSize,
		sendTimeout:       3000 * time.Millisecond,
		recvTimeout:       3000 * time.Millisecond,
		dialTimeout:       3000 * time.Millisecond,
		statsNamespace:    "asyncrpc",
	}
}

// WithSocketBufferSize sets the OS socket receive/send buffer size used by
// the bundled tcpHost.
func WithSocketBufferSize(n int) Option {
	return func(o *options) { o.socketBufferSize = n }
}

// WithMessageBufferSize sets the message buffer size stored on the bundled
// tcpHost. The tcpHost reads in chunks of Protocol.RecvChunkSize(); this
// value does not change the read chunk size.
func WithMessageBufferSize(n int) Option {
	return func(o *options) { o.messageBufferSize = n }
}

// WithSendTimeout bounds how long a request may wait in the pending-send
// queue (and be retried after send failures) before completing with
// ErrPendingSendTimeout.
func WithSendTimeout(d time.Duration) Option {
	return func(o *options) { o.sendTimeout = d }
}

// WithDefaultReceiveTimeout sets the receive timeout applied to requests
// built via NewRequest when callers pass recvTimeoutMs <= 0.
func WithDefaultReceiveTimeout(d time.Duration) Option {
	return func(o *options) { o.recvTimeout = d }
}

// WithDialTimeout bounds how long the bundled tcpHost waits for TCP connect.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// WithFailFastOnDisconnect makes OnDisconnected synchronously fail every
// request bound to the dropped connection with ErrConnectionLost, instead of
// letting them age out uniformly via receive timeout. See SPEC_FULL.md §9.
func WithFailFastOnDisconnect(enabled bool) Option {
	return func(o *options) { o.failFastOnDisconnect = enabled }
}

// WithConnectionHost overrides the default net.Conn-backed transport.
func WithConnectionHost(h ConnectionHost) Option {
	return func(o *options) { o.host = h }
}

// WithProtocol overrides the default length-prefixed protocol adapter.
func WithProtocol(p Protocol) Option {
	return func(o *options) { o.proto = p }
}

// WithStatsNamespace sets the Prometheus metric namespace prefix; defaults to
// "asyncrpc". Useful when more than one Client runs in the same process.
func WithStatsNamespace(ns string) Option {
	return func(o *options) { o.statsNamespace = ns }
}
