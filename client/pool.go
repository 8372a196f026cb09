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
	"sync"
	"sync/atomic"
)

// Pool is the shared contract between the two interchangeable connection
// pool strategies: an async, round-robin multiplexing pool and a sync,
// exclusive-acquire LIFO-stack pool. Which one a Client uses is decided once,
// at construction, from Protocol.IsAsync.
type Pool interface {
	// Register makes a newly connected, initialized connection eligible to
	// be handed out by TryAcquire.
	Register(conn Connection)
	// TryAcquire returns a connection to send on, or ok=false if the pool
	// currently has none.
	TryAcquire() (conn Connection, ok bool)
	// Release returns a connection borrowed from TryAcquire. For the async
	// pool this is a no-op; for the sync pool it makes the connection
	// acquirable again.
	Release(conn Connection)
	// Destroy removes a connection for good, e.g. after it disconnects.
	// Idempotent.
	Destroy(conn Connection)
	// Len reports how many connections are currently registered (not
	// necessarily idle/acquirable).
	Len() int
}

// asyncPool multiplexes many requests over every registered connection,
// selecting one per TryAcquire in round-robin order. Readers consult an
// immutable snapshot array published by the last mutation so TryAcquire never
// blocks on writers; the pattern generalizes the teacher's snapshot-style
// ClusterNodes map to a plain round-robin slice.
type asyncPool struct {
	mu       sync.Mutex
	byId     map[int64]Connection
	snapshot atomic.Value // []Connection
	counter  uint32
}

// NewAsyncPool constructs the round-robin pool used for protocols that allow
// more than one outstanding request per connection.
func NewAsyncPool() Pool {
	p := &asyncPool{byId: make(map[int64]Connection)}
	p.snapshot.Store([]Connection{})
	return p
}

func (p *asyncPool) Register(conn Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byId[conn.ID()] = conn
	p.rebuildLocked()
}

func (p *asyncPool) Destroy(conn Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byId[conn.ID()]; !ok {
		return
	}
	delete(p.byId, conn.ID())
	p.rebuildLocked()
}

func (p *asyncPool) Release(Connection) {
	// A connection is continuously available to every caller; nothing to do.
}

func (p *asyncPool) TryAcquire() (Connection, bool) {
	snap, _ := p.snapshot.Load().([]Connection)
	n := len(snap)
	if n == 0 {
		return nil, false
	}
	if n == 1 {
		return snap[0], true
	}
	i := atomic.AddUint32(&p.counter, 1) & 0x7fffffff
	return snap[int(i)%n], true
}

func (p *asyncPool) Len() int {
	snap, _ := p.snapshot.Load().([]Connection)
	return len(snap)
}

func (p *asyncPool) rebuildLocked() {
	snap := make([]Connection, 0, len(p.byId))
	for _, c := range p.byId {
		snap = append(snap, c)
	}
	p.snapshot.Store(snap)
}

// syncPool hands out each connection to at most one caller at a time, for
// protocols that can only have one request in flight per connection. It
// models the teacher's redis_pool.go activeList: a singly linked LIFO of
// idle connections plus a membership map consulted on every pop so a
// connection torn down while sitting on the stack is simply skipped rather
// than handed out, resolving the ambiguity the original pool's Release/Destroy
// split left open.
type syncPool struct {
	mu   sync.Mutex
	byId map[int64]Connection
	idle *connStack
}

// NewSyncPool constructs the exclusive-acquire pool used for protocols that
// require at most one outstanding request per connection.
func NewSyncPool() Pool {
	return &syncPool{
		byId: make(map[int64]Connection),
		idle: &connStack{},
	}
}

func (p *syncPool) Register(conn Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byId[conn.ID()] = conn
	p.idle.push(conn)
}

func (p *syncPool) TryAcquire() (Connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		conn, ok := p.idle.pop()
		if !ok {
			return nil, false
		}
		if _, live := p.byId[conn.ID()]; live {
			return conn, true
		}
		// stale entry for a connection already destroyed; keep popping
	}
}

func (p *syncPool) Release(conn Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, live := p.byId[conn.ID()]; live {
		p.idle.push(conn)
	}
}

func (p *syncPool) Destroy(conn Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byId, conn.ID())
}

func (p *syncPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byId)
}

// connStack is a minimal singly linked LIFO of connections, top -> ... ->
// bottom, a narrowed form of the teacher's activeList doubly linked list.
type connStack struct {
	top *connNode
	n   int
}

type connNode struct {
	conn Connection
	next *connNode
}

func (s *connStack) push(c Connection) {
	s.top = &connNode{conn: c, next: s.top}
	s.n++
}

func (s *connStack) pop() (Connection, bool) {
	if s.top == nil {
		return nil, false
	}
	n := s.top
	s.top = n.next
	s.n--
	return n.conn, true
}
