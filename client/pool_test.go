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

	"github.com/stretchr/testify/assert"
)

type fakeConn struct {
	id int64
}

func (f *fakeConn) ID() int64                   { return f.id }
func (f *fakeConn) BeginSend(req *Request) error { return nil }
func (f *fakeConn) BeginDisconnect(error)        {}
func (f *fakeConn) RemoteAddr() string           { return "fake" }

func TestAsyncPool_EmptyHasNothingToAcquire(t *testing.T) {
	p := NewAsyncPool()
	_, ok := p.TryAcquire()
	assert.False(t, ok)
	assert.Equal(t, 0, p.Len())
}

func TestAsyncPool_RoundRobinsAcrossRegisteredConnections(t *testing.T) {
	p := NewAsyncPool()
	c1, c2, c3 := &fakeConn{id: 1}, &fakeConn{id: 2}, &fakeConn{id: 3}
	p.Register(c1)
	p.Register(c2)
	p.Register(c3)
	assert.Equal(t, 3, p.Len())

	seen := make(map[int64]int)
	for i := 0; i < 9; i++ {
		conn, ok := p.TryAcquire()
		assert.True(t, ok)
		seen[conn.ID()]++
	}
	assert.Equal(t, 3, seen[1])
	assert.Equal(t, 3, seen[2])
	assert.Equal(t, 3, seen[3])
}

func TestAsyncPool_DestroyRemovesFromRotation(t *testing.T) {
	p := NewAsyncPool()
	c1, c2 := &fakeConn{id: 1}, &fakeConn{id: 2}
	p.Register(c1)
	p.Register(c2)
	p.Destroy(c1)
	assert.Equal(t, 1, p.Len())
	for i := 0; i < 5; i++ {
		conn, ok := p.TryAcquire()
		assert.True(t, ok)
		assert.Equal(t, int64(2), conn.ID())
	}
}

func TestAsyncPool_ReleaseIsNoOp(t *testing.T) {
	p := NewAsyncPool()
	c1 := &fakeConn{id: 1}
	p.Register(c1)
	p.Release(c1)
	conn, ok := p.TryAcquire()
	assert.True(t, ok)
	assert.Equal(t, int64(1), conn.ID())
}

func TestSyncPool_AcquireRemovesFromIdleSet(t *testing.T) {
	p := NewSyncPool()
	c1 := &fakeConn{id: 1}
	p.Register(c1)

	conn, ok := p.TryAcquire()
	assert.True(t, ok)
	assert.Equal(t, int64(1), conn.ID())

	_, ok = p.TryAcquire()
	assert.False(t, ok, "connection was exclusively acquired, should not be handed out twice")
}

func TestSyncPool_ReleaseMakesConnectionAcquirableAgain(t *testing.T) {
	p := NewSyncPool()
	c1 := &fakeConn{id: 1}
	p.Register(c1)

	conn, _ := p.TryAcquire()
	p.Release(conn)

	conn2, ok := p.TryAcquire()
	assert.True(t, ok)
	assert.Equal(t, int64(1), conn2.ID())
}

func TestSyncPool_DestroyedConnectionIsSkippedOnPop(t *testing.T) {
	p := NewSyncPool()
	c1, c2 := &fakeConn{id: 1}, &fakeConn{id: 2}
	p.Register(c1)
	p.Register(c2)

	// c1 sits idle on the stack below c2; destroying it without popping first
	// must not surface it once c2 has been taken.
	p.Destroy(c1)

	conn, ok := p.TryAcquire()
	assert.True(t, ok)
	assert.Equal(t, int64(2), conn.ID())

	_, ok = p.TryAcquire()
	assert.False(t, ok)
}

func TestSyncPool_Len(t *testing.T) {
	p := NewSyncPool()
	assert.Equal(t, 0, p.Len())
	p.Register(&fakeConn{id: 1})
	p.Register(&fakeConn{id: 2})
	assert.Equal(t, 2, p.Len())
}
