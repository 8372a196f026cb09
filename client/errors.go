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

import "errors"

var (
	// ErrPendingSendTimeout occurs when a request ages out of the pending-send
	// queue before a connection ever became available to carry it.
	ErrPendingSendTimeout = errors.New("request timed out waiting for a connection to send on")
	// ErrSendFailed occurs when the transport reports a send failure for a
	// request that is not eligible for retry.
	ErrSendFailed = errors.New("send failed")
	// ErrReceiveTimeout occurs when no response arrives within a request's
	// receive deadline.
	ErrReceiveTimeout = errors.New("timed out waiting for a response")
	// ErrConnectionLost is delivered to in-flight requests bound to a
	// connection that disconnected, only when WithFailFastOnDisconnect is set.
	ErrConnectionLost = errors.New("connection lost")

	// ErrPoolEmpty occurs when a pool has no connection to hand out.
	ErrPoolEmpty = errors.New("connection pool is empty")
	// ErrEndpointExists occurs when registering a node name that is already active.
	ErrEndpointExists = errors.New("endpoint already registered")
	// ErrUnknownEndpoint occurs when unregistering a node name that is not active.
	ErrUnknownEndpoint = errors.New("endpoint not registered")
	// ErrClientClosed occurs when Send is called after Close, and is delivered
	// to requests still awaiting a response when Close runs.
	ErrClientClosed = errors.New("client is closed")

	// ErrInvalidFrame occurs when a Protocol adapter cannot make sense of the
	// bytes it was asked to validate or parse.
	ErrInvalidFrame = errors.New("invalid frame")
	// ErrFrameTooLarge occurs when a frame's declared length exceeds the
	// protocol's configured maximum.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)
