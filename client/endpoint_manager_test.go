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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDialHost struct {
	mu       sync.Mutex
	dialFunc func(addr string) (Connection, error)
	dials    int
}

func (h *fakeDialHost) Dial(addr string, sink hostSink, proto Protocol) (Connection, error) {
	h.mu.Lock()
	h.dials++
	h.mu.Unlock()
	return h.dialFunc(addr)
}

func (h *fakeDialHost) dialCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dials
}

type fakeSink struct {
	connected chan Connection
}

func newFakeSink() *fakeSink { return &fakeSink{connected: make(chan Connection, 16)} }

func (s *fakeSink) onConnected(conn Connection)                       { s.connected <- conn }
func (s *fakeSink) onDisconnected(conn Connection, err error)         {}
func (s *fakeSink) onStartSending(conn Connection, req *Request)      {}
func (s *fakeSink) onSendCallback(conn Connection, req *Request, err error) {}
func (s *fakeSink) onMessageReceived(conn Connection, buf []byte)     {}
func (s *fakeSink) onConnectionError(conn Connection, err error)      {}

func TestEndpointManager_TryRegisterConnectsAndPublishesToPool(t *testing.T) {
	conn := &fakeConn{id: 1}
	host := &fakeDialHost{dialFunc: func(addr string) (Connection, error) { return conn, nil }}
	pool := NewAsyncPool()
	sink := newFakeSink()
	m := newEndpointManager(host, pool, NewLengthPrefixedProtocol(0), sink, nil)

	ok := m.tryRegister("n1", "127.0.0.1:1", nil)
	assert.True(t, ok)

	select {
	case got := <-sink.connected:
		assert.Equal(t, conn, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for onConnected")
	}

	assert.Eventually(t, func() bool { return pool.Len() == 1 }, time.Second, time.Millisecond)
}

func TestEndpointManager_TryRegisterRejectsDuplicateName(t *testing.T) {
	host := &fakeDialHost{dialFunc: func(addr string) (Connection, error) { return &fakeConn{id: 1}, nil }}
	m := newEndpointManager(host, NewAsyncPool(), NewLengthPrefixedProtocol(0), newFakeSink(), nil)

	assert.True(t, m.tryRegister("n1", "addr", nil))
	assert.False(t, m.tryRegister("n1", "other-addr", nil))
}

func TestEndpointManager_InitFuncErrorTearsDownAndDoesNotPublish(t *testing.T) {
	conn := &fakeConn{id: 1}
	host := &fakeDialHost{dialFunc: func(addr string) (Connection, error) { return conn, nil }}
	pool := NewAsyncPool()
	m := newEndpointManager(host, pool, NewLengthPrefixedProtocol(0), newFakeSink(), nil)

	m.tryRegister("n1", "addr", func(Connection) error { return errors.New("handshake failed") })

	assert.Eventually(t, func() bool { return pool.Len() == 0 }, time.Second, time.Millisecond)
}

func TestEndpointManager_UnregisterDisconnectsAndRemovesFromPool(t *testing.T) {
	conn := &fakeConn{id: 1}
	host := &fakeDialHost{dialFunc: func(addr string) (Connection, error) { return conn, nil }}
	pool := NewAsyncPool()
	sink := newFakeSink()
	m := newEndpointManager(host, pool, NewLengthPrefixedProtocol(0), sink, nil)

	m.tryRegister("n1", "addr", nil)
	<-sink.connected
	require.Eventually(t, func() bool { return pool.Len() == 1 }, time.Second, time.Millisecond)

	ok := m.unregister("n1")
	assert.True(t, ok)
	assert.Equal(t, 0, pool.Len())
}

func TestEndpointManager_UnregisterUnknownNameReturnsFalse(t *testing.T) {
	m := newEndpointManager(&fakeDialHost{}, NewAsyncPool(), NewLengthPrefixedProtocol(0), newFakeSink(), nil)
	assert.False(t, m.unregister("does-not-exist"))
}

func TestEndpointManager_EndpointsListsActiveNodes(t *testing.T) {
	host := &fakeDialHost{dialFunc: func(addr string) (Connection, error) {
		return nil, errors.New("refused") // keep it simple: dial failure, node still "active"
	}}
	m := newEndpointManager(host, NewAsyncPool(), NewLengthPrefixedProtocol(0), newFakeSink(), nil)
	m.tryRegister("n1", "addr1", nil)
	m.tryRegister("n2", "addr2", nil)

	eps := m.endpoints()
	assert.Len(t, eps, 2)
}

func TestRandomBetween_StaysWithinBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := randomBetween(100*time.Millisecond, 200*time.Millisecond)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 200*time.Millisecond)
	}
}

func TestRandomBetween_DegenerateRangeReturnsMin(t *testing.T) {
	d := randomBetween(500*time.Millisecond, 100*time.Millisecond)
	assert.Equal(t, 500*time.Millisecond, d)
}
