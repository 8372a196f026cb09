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
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/bytebufferpool"

	"asyncrpc/client/pkg/logging"
)

// hostSink is the small mediator interface a ConnectionHost calls back into.
// Client implements it. Modeling the wiring this way keeps the object graph
// acyclic: the host and the endpoint manager hold a hostSink, never a
// concrete *Client, so none of core/connection.go's back-pointer plumbing is
// needed here.
type hostSink interface {
	onConnected(conn Connection)
	onDisconnected(conn Connection, err error)
	onStartSending(conn Connection, req *Request)
	onSendCallback(conn Connection, req *Request, err error)
	onMessageReceived(conn Connection, buf []byte)
	onConnectionError(conn Connection, err error)
}

// Connection is the handle the core holds for one open transport connection.
// Implementations must deliver exactly one Disconnected notification (via the
// owning ConnectionHost's hostSink) per connection, and must not be reused
// afterwards.
type Connection interface {
	// ID is a connection-wide unique, stable identifier.
	ID() int64
	// BeginSend asynchronously writes req's body. Implementations should
	// report completion (success or failure) through hostSink.onSendCallback,
	// as tcpConnection does; an implementation that instead returns an error
	// directly without ever calling onStartSending/onSendCallback is also
	// supported — the client falls back to handling that failure itself.
	BeginSend(req *Request) error
	// BeginDisconnect tears the connection down; err, if non-nil, is the
	// reason, surfaced to logs and to hostSink.onDisconnected.
	BeginDisconnect(err error)
	// RemoteAddr is used only for logging/metrics labels.
	RemoteAddr() string
}

// ConnectionHost owns the low-level socket plumbing: dialing, read pumps and
// write completion. The client package ships tcpHost, a net.Conn-backed
// default; any transport implementing this interface can be substituted at
// NewClient time.
type ConnectionHost interface {
	// Dial opens a new connection to addr and wires it to sink. It returns
	// once the transport is connected and the background read pump has
	// started; it does not block on any application-level handshake (that is
	// the endpoint manager's initFunc's job).
	Dial(addr string, sink hostSink, proto Protocol) (Connection, error)
}

// tcpHost is the bundled default ConnectionHost: one goroutine per
// connection reading into a growable buffer and handing complete frames to
// the Protocol adapter, writes performed synchronously inline with
// BeginSend and reported back through the sink before BeginSend returns.
// This mirrors the teacher's engine.Dial socket configuration
// (SetNoDelay/SetLinger/buffer sizing) without any of its raw-fd epoll
// machinery, since socket I/O primitives below net.Conn are out of scope.
type tcpHost struct {
	socketBufferSize  int
	messageBufferSize int
	dialTimeout       time.Duration
}

// NewTCPHost constructs the default net.Conn-backed ConnectionHost.
func NewTCPHost(socketBufferSize, messageBufferSize int, dialTimeout time.Duration) ConnectionHost {
	if socketBufferSize <= 0 {
		socketBufferSize = defaultSocketBufferSize
	}
	if messageBufferSize <= 0 {
		messageBufferSize = defaultMessageBufferSize
	}
	return &tcpHost{
		socketBufferSize:  socketBufferSize,
		messageBufferSize: messageBufferSize,
		dialTimeout:       dialTimeout,
	}
}

const (
	defaultSocketBufferSize  = 8192
	defaultMessageBufferSize = 8192
)

var nextConnId int64

func (h *tcpHost) Dial(addr string, sink hostSink, proto Protocol) (Connection, error) {
	d := net.Dialer{Timeout: h.dialTimeout}
	nc, err := d.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := nc.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetLinger(0)
		_ = tc.SetReadBuffer(h.socketBufferSize)
		_ = tc.SetWriteBuffer(h.socketBufferSize)
	}

	c := &tcpConnection{
		id:    atomic.AddInt64(&nextConnId, 1),
		nc:    nc,
		sink:  sink,
		proto: proto,
		buf:   bytebufferpool.Get(),
	}
	go c.readLoop()
	return c, nil
}

// tcpConnection is the default Connection implementation.
type tcpConnection struct {
	id    int64
	nc    net.Conn
	sink  hostSink
	proto Protocol

	writeMu sync.Mutex

	// buf accumulates bytes read off the socket that have not yet formed a
	// complete frame; pooled via bytebufferpool the way the teacher's wider
	// buffer-pooling story (MsgPool/FragPool in core/message.go) amortizes
	// allocation on the hot receive path.
	buf *bytebufferpool.ByteBuffer

	closeOnce sync.Once
}

func (c *tcpConnection) ID() int64          { return c.id }
func (c *tcpConnection) RemoteAddr() string { return c.nc.RemoteAddr().String() }

func (c *tcpConnection) BeginSend(req *Request) error {
	c.sink.onStartSending(c, req)
	c.writeMu.Lock()
	_, err := c.nc.Write(req.Body)
	c.writeMu.Unlock()
	c.sink.onSendCallback(c, req, err)
	return err
}

func (c *tcpConnection) BeginDisconnect(err error) {
	c.closeOnce.Do(func() {
		_ = c.nc.Close()
		bytebufferpool.Put(c.buf)
		c.sink.onDisconnected(c, err)
	})
}

func (c *tcpConnection) readLoop() {
	chunk := make([]byte, c.proto.RecvChunkSize())
	for {
		n, err := c.nc.Read(chunk)
		if n > 0 {
			c.buf.Write(chunk[:n])
			c.drain()
		}
		if err != nil {
			logging.Debugf("tcp connection %d read loop exiting: %s", c.id, err)
			c.BeginDisconnect(err)
			return
		}
	}
}

// drain hands every complete frame currently buffered to the protocol
// adapter and to the sink, retaining any trailing partial frame by
// compacting it to the front of the pooled buffer.
func (c *tcpConnection) drain() {
	data := c.buf.B
	consumed := 0
	for consumed < len(data) {
		readLen, frameErr := c.proto.Validate(data[consumed:])
		if frameErr != nil {
			c.sink.onConnectionError(c, frameErr)
			c.BeginDisconnect(frameErr)
			return
		}
		if readLen <= 0 {
			break // incomplete frame, wait for more bytes
		}
		c.sink.onMessageReceived(c, data[consumed:consumed+readLen])
		consumed += readLen
	}
	remaining := len(data) - consumed
	if consumed == 0 {
		return
	}
	copy(c.buf.B[:remaining], data[consumed:])
	c.buf.B = c.buf.B[:remaining]
}
