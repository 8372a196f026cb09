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

// Package client implements a generic asynchronous RPC client: an endpoint
// manager that keeps a configurable set of named remote nodes connected with
// randomized-backoff reconnect, a connection pool (round-robin for
// multiplexing protocols, exclusive-acquire LIFO for synchronous ones), a
// pending-send queue, a receiving registry with timeout enforcement, and the
// send/receive/retry state machine tying it all together.
package client

import (
	"fmt"
	"sync/atomic"
	"time"

	"asyncrpc/client/pkg/logging"
)

// UnknownMessageHandler is invoked when a Message arrives whose sequence id
// does not match any in-flight Request, e.g. a duplicate/late response after
// the original request already timed out.
type UnknownMessageHandler func(conn Connection, msg Message)

// Client is the façade applications hold: NewRequest builds a call,
// TryRegisterEndpoint/UnregisterEndpoint manage the node set, and Send
// dispatches a built Request. It implements hostSink so the bundled
// ConnectionHost and the endpoint manager can call back into it without
// either side holding a back-pointer to the other's concrete type (see
// DESIGN.md's note on the teacher's cyclic-graph wiring).
type Client struct {
	opts *options

	pool     Pool
	manager  *endpointManager
	pending  *pendingQueue
	registry *registry
	proto    Protocol
	stats    *clientStats

	// connReqs indexes in-flight requests by the connection they were last
	// handed to, so WithFailFastOnDisconnect can find them without scanning
	// the whole registry. Maintained unconditionally (the bookkeeping cost is
	// negligible next to a socket round trip) but only consulted when that
	// option is set.
	connReqs *connIndex

	seqCounter int32

	onUnknownMessage UnknownMessageHandler

	closed int32
}

// NewClient constructs a Client. By default it uses LengthPrefixedProtocol
// and the bundled net.Conn-backed ConnectionHost; both can be overridden via
// WithProtocol/WithConnectionHost to plug in a bespoke wire format or
// transport while reusing everything else (pool, manager, queue, registry,
// state machine).
func NewClient(opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.proto == nil {
		o.proto = NewLengthPrefixedProtocol(0)
	}
	if o.host == nil {
		o.host = NewTCPHost(o.socketBufferSize, o.messageBufferSize, o.dialTimeout)
	}

	c := &Client{
		opts:     o,
		registry: newRegistry(),
		pending:  newPendingQueue(),
		proto:    o.proto,
		stats:    newClientStats(o.statsNamespace),
		connReqs: newConnIndex(),
	}
	if o.proto.IsAsync() {
		c.pool = NewAsyncPool()
	} else {
		c.pool = NewSyncPool()
	}
	c.manager = newEndpointManager(o.host, c.pool, o.proto, c, c.stats)

	c.registry.startTimeoutLoop(c.onReceiveTimeout)
	c.pending.startDrainLoop(o.sendTimeout, c.retrySend, c.onPendingSendTimeout)

	return c
}

// NewRequest allocates a Request with a fresh sequence id and encodes its
// wire body via the configured Protocol. recvTimeoutMs <= 0 uses the
// Client's configured default receive timeout.
func (c *Client) NewRequest(name string, payload []byte, recvTimeoutMs int, onException func(error), onResult func(Message)) (*Request, error) {
	if recvTimeoutMs <= 0 {
		recvTimeoutMs = int(c.opts.recvTimeout.Milliseconds())
	}
	seqId := allocateSeqId(&c.seqCounter)
	body, err := c.proto.Encode(seqId, name, payload)
	if err != nil {
		return nil, err
	}
	return newRequest(seqId, name, body, recvTimeoutMs, true, onException, onResult), nil
}

// Send attempts to dispatch req on an available connection; if none is
// available it is buffered on the pending-send queue until one is (or until
// it ages past the configured send timeout).
func (c *Client) Send(req *Request) {
	if c.closing() {
		c.failOnce(req, ErrClientClosed)
		return
	}
	conn, ok := c.pool.TryAcquire()
	if !ok {
		c.stats.pendingDepth.Set(float64(c.pending.len() + 1))
		c.pending.pushTail(req)
		return
	}
	c.dispatch(conn, req)
}

// dispatch hands req to conn. Most Connection implementations (tcpConnection
// included) call onStartSending/onSendCallback synchronously from within
// BeginSend, in which case onSendCallback has already retried or completed
// req by the time BeginSend returns an error and there is nothing left for
// dispatch to do. A Connection that returns an error without ever calling
// onStartSending never hands req to the registry or onSendCallback's
// retry/failure handling at all, so dispatch has to take responsibility for
// it itself, the same way onSendCallback would have.
func (c *Client) dispatch(conn Connection, req *Request) {
	atomic.StoreInt32(&req.sendStarted, 0)
	err := conn.BeginSend(req)
	if err == nil {
		return
	}
	logging.Debugf("begin send on connection %d failed: %s", conn.ID(), err)
	if atomic.LoadInt32(&req.sendStarted) != 0 {
		return
	}
	c.handleDispatchFailure(conn, req, err)
}

// handleDispatchFailure mirrors onSendCallback's retry/failure decision for
// a BeginSend error that the connection host never routed through the
// registry, so req still completes exactly once instead of being silently
// dropped.
func (c *Client) handleDispatchFailure(conn Connection, req *Request, err error) {
	c.stats.sendFailure.WithLabelValues(conn.RemoteAddr()).Inc()

	if !req.AllowRetry {
		c.failOnce(req, ErrSendFailed)
		return
	}
	if c.opts.sendTimeout > 0 && time.Since(req.CreatedTime) > c.opts.sendTimeout {
		c.failOnce(req, ErrPendingSendTimeout)
		return
	}
	c.stats.sendRetries.WithLabelValues(conn.RemoteAddr()).Inc()
	c.stats.pendingDepth.Set(float64(c.pending.len() + 1))
	c.pending.pushTail(req)
}

func (c *Client) retrySend(req *Request) {
	c.Send(req)
}

// TryRegisterEndpoint adds a new named node and starts its connect loop.
// initFunc may be nil. Returns false if the name is already active.
func (c *Client) TryRegisterEndpoint(name, remoteAddr string, initFunc InitFunc) bool {
	return c.manager.tryRegister(name, remoteAddr, initFunc)
}

// UnregisterEndpoint deactivates a named node and disconnects its connection,
// if any. Returns false if no node with that name is active.
func (c *Client) UnregisterEndpoint(name string) bool {
	return c.manager.unregister(name)
}

// GetAllRegisteredEndpoints lists every currently active node.
func (c *Client) GetAllRegisteredEndpoints() []Endpoint {
	return c.manager.endpoints()
}

// OnUnknownMessage registers the handler invoked for responses that don't
// correlate to any in-flight request.
func (c *Client) OnUnknownMessage(h UnknownMessageHandler) {
	c.onUnknownMessage = h
}

// Close tears down every connection and stops the background timers. It does
// not wait for in-flight requests to complete: requests still in the
// registry are completed with ErrClientClosed before their connections are
// disconnected, and a Send after Close completes its request with
// ErrClientClosed.
func (c *Client) Close() {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return
	}
	c.connReqs.mu.Lock()
	inFlight := c.connReqs.byConn
	c.connReqs.byConn = make(map[int64]map[int32]*Request)
	c.connReqs.mu.Unlock()
	for _, reqs := range inFlight {
		for _, req := range reqs {
			if _, ok := c.registry.tryRemove(req.SeqId); ok {
				c.failOnce(req, ErrClientClosed)
			}
		}
	}
	c.manager.close()
	c.pending.close()
	c.registry.close()
}

func (c *Client) closing() bool {
	return atomic.LoadInt32(&c.closed) != 0
}

// ===================== hostSink: the send/receive state machine =====================

func (c *Client) onConnected(conn Connection) {
	logging.Debugf("connection %d to %s established", conn.ID(), conn.RemoteAddr())
}

func (c *Client) onDisconnected(conn Connection, err error) {
	c.pool.Destroy(conn)
	c.manager.onConnectionDown(conn)
	if err != nil {
		logging.Warnf("connection %d (%s) disconnected: %s", conn.ID(), conn.RemoteAddr(), err)
	} else {
		logging.Infof("connection %d (%s) disconnected", conn.ID(), conn.RemoteAddr())
	}
	if c.opts.failFastOnDisconnect {
		c.failRequestsOn(conn)
	}
}

// failRequestsOn synchronously fails every request still bound to conn,
// used only when WithFailFastOnDisconnect is set.
func (c *Client) failRequestsOn(conn Connection) {
	reqs := c.connReqs.drain(conn.ID())
	for _, req := range reqs {
		if _, ok := c.registry.tryRemove(req.SeqId); ok && req.complete() {
			c.invokeException(req, ErrConnectionLost)
		}
	}
}

func (c *Client) onStartSending(conn Connection, req *Request) {
	atomic.StoreInt32(&req.sendStarted, 1)
	req.sendConnection = conn
	c.registry.tryAdd(req)
	c.connReqs.add(conn.ID(), req)
}

func (c *Client) onSendCallback(conn Connection, req *Request, err error) {
	if err == nil {
		req.SentTime = time.Now()
		c.registry.armTimeout(req)
		c.stats.sendSuccess.WithLabelValues(conn.RemoteAddr()).Inc()
		return
	}

	c.stats.sendFailure.WithLabelValues(conn.RemoteAddr()).Inc()
	c.registry.tryRemove(req.SeqId)
	c.connReqs.remove(conn.ID(), req.SeqId)
	req.sendConnection = nil

	if !req.AllowRetry {
		c.failOnce(req, ErrSendFailed)
		return
	}
	if c.opts.sendTimeout > 0 && time.Since(req.CreatedTime) > c.opts.sendTimeout {
		c.failOnce(req, ErrPendingSendTimeout)
		return
	}
	c.stats.sendRetries.WithLabelValues(conn.RemoteAddr()).Inc()
	c.stats.pendingDepth.Set(float64(c.pending.len() + 1))
	c.pending.pushTail(req)
}

func (c *Client) onMessageReceived(conn Connection, buf []byte) {
	msg, err := c.proto.Parse(buf)
	if err != nil {
		c.onConnectionError(conn, err)
		return
	}
	req, ok := c.registry.tryRemove(msg.SeqId())
	if ok {
		c.connReqs.remove(conn.ID(), req.SeqId)
	}
	if !ok || !req.complete() {
		// Either no request is waiting on this id, or the timeout scan beat
		// us to completing it; either way this message is unclaimed.
		if h := c.onUnknownMessage; h != nil {
			go h(conn, msg)
		}
		return
	}
	if !req.SentTime.IsZero() {
		c.stats.observeLatency(req.Name, time.Since(req.SentTime))
	}
	c.invokeResult(req, msg)
}

func (c *Client) onConnectionError(conn Connection, err error) {
	logging.Warnf("connection %d (%s): protocol error: %s", conn.ID(), conn.RemoteAddr(), err)
}

func (c *Client) onReceiveTimeout(req *Request) {
	if req.sendConnection != nil {
		c.connReqs.remove(req.sendConnection.ID(), req.SeqId)
	}
	c.stats.receiveTimeouts.WithLabelValues(req.Name).Inc()
	c.invokeException(req, ErrReceiveTimeout)
}

func (c *Client) onPendingSendTimeout(req *Request) {
	c.stats.pendingTimeouts.Inc()
	c.invokeException(req, ErrPendingSendTimeout)
}

// failOnce completes req with err, guarded by the same CAS every other
// completion path uses, so a request that e.g. loses the send-failure race
// against a concurrent disconnect-driven failFast still only fires once.
func (c *Client) failOnce(req *Request, err error) {
	if req.complete() {
		c.invokeException(req, err)
	}
}

// invokeResult and invokeException dispatch user callbacks off the calling
// goroutine (itself already a background worker, never the read-loop
// goroutine directly servicing another connection) so a slow or panicking
// callback cannot stall the I/O core. Panics are recovered and logged,
// mirroring the spec's "failures inside onException/onResult must not crash
// the core" requirement.
func (c *Client) invokeResult(req *Request, msg Message) {
	go func() {
		defer recoverAndLog("onResult", req.Name)
		if req.onResult != nil {
			req.onResult(msg)
		}
	}()
}

func (c *Client) invokeException(req *Request, err error) {
	err = fmt.Errorf("request %q: %w", req.Name, err)
	go func() {
		defer recoverAndLog("onException", req.Name)
		if req.onException != nil {
			req.onException(err)
		}
	}()
}

func recoverAndLog(callback, reqName string) {
	if r := recover(); r != nil {
		logging.Errorf("recovered panic in %s callback for request %q: %v", callback, reqName, r)
	}
}
