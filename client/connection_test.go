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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/bytebufferpool"
)

// recordingSink captures every hostSink callback tcpConnection fires, for
// assertions without needing a full Client.
type recordingSink struct {
	connected    chan Connection
	disconnected chan error
	messages     chan []byte
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		connected:    make(chan Connection, 4),
		disconnected: make(chan error, 4),
		messages:     make(chan []byte, 16),
	}
}

func (s *recordingSink) onConnected(conn Connection)                       { s.connected <- conn }
func (s *recordingSink) onDisconnected(conn Connection, err error)         { s.disconnected <- err }
func (s *recordingSink) onStartSending(conn Connection, req *Request)      {}
func (s *recordingSink) onSendCallback(conn Connection, req *Request, err error) {}
func (s *recordingSink) onMessageReceived(conn Connection, buf []byte) {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	s.messages <- cp
}
func (s *recordingSink) onConnectionError(conn Connection, err error) {}

func TestTCPHost_DialEstablishesConnectionAndDeliversFrames(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	proto := NewLengthPrefixedProtocol(0)
	frame, err := proto.Encode(7, "", []byte("payload"))
	require.NoError(t, err)

	accepted := make(chan net.Conn, 1)
	go func() {
		srvConn, acceptErr := ln.Accept()
		if acceptErr != nil {
			return
		}
		accepted <- srvConn
		_, _ = srvConn.Write(frame)
	}()

	host := NewTCPHost(0, 0, time.Second)
	sink := newRecordingSink()
	conn, err := host.Dial(ln.Addr().String(), sink, proto)
	require.NoError(t, err)
	defer conn.BeginDisconnect(nil)

	select {
	case <-accepted:
	case <-time.After(time.Second):
		t.Fatal("server never accepted the connection")
	}

	select {
	case got := <-sink.messages:
		msg, parseErr := proto.Parse(got)
		require.NoError(t, parseErr)
		assert.Equal(t, int32(7), msg.SeqId())
	case <-time.After(time.Second):
		t.Fatal("frame was never delivered to onMessageReceived")
	}
}

func TestTCPHost_BeginSendWritesFrameToPeer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	proto := NewLengthPrefixedProtocol(0)
	srvRead := make(chan []byte, 1)
	go func() {
		srvConn, acceptErr := ln.Accept()
		if acceptErr != nil {
			return
		}
		buf := make([]byte, 1024)
		n, _ := srvConn.Read(buf)
		srvRead <- buf[:n]
	}()

	host := NewTCPHost(0, 0, time.Second)
	sink := newRecordingSink()
	conn, err := host.Dial(ln.Addr().String(), sink, proto)
	require.NoError(t, err)
	defer conn.BeginDisconnect(nil)

	req := newRequest(1, "echo", nil, 1000, true, nil, nil)
	body, err := proto.Encode(1, "", []byte("hello"))
	require.NoError(t, err)
	req.Body = body

	sendErr := conn.BeginSend(req)
	require.NoError(t, sendErr)

	select {
	case got := <-srvRead:
		assert.Equal(t, body, got)
	case <-time.After(time.Second):
		t.Fatal("peer never received the written frame")
	}
}

func TestTCPConnection_DrainCompactsPartialTrailingFrame(t *testing.T) {
	proto := NewLengthPrefixedProtocol(0)
	complete, _ := proto.Encode(1, "", []byte("a"))
	partial, _ := proto.Encode(2, "", []byte("bb"))
	partial = partial[:len(partial)-1] // chop the last byte off the second frame

	sink := newRecordingSink()
	buf := bytebufferpool.Get()
	buf.Write(complete)
	buf.Write(partial)

	c := &tcpConnection{id: 1, sink: sink, proto: proto, buf: buf}
	c.drain()

	select {
	case got := <-sink.messages:
		msg, err := proto.Parse(got)
		require.NoError(t, err)
		assert.Equal(t, int32(1), msg.SeqId())
	default:
		t.Fatal("the complete leading frame should have been delivered")
	}

	select {
	case <-sink.messages:
		t.Fatal("the trailing partial frame must not be delivered yet")
	default:
	}

	assert.Equal(t, len(partial), len(c.buf.B), "the partial frame's bytes should be compacted to the front of the buffer")
}
