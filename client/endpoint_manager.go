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
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"asyncrpc/client/pkg/logging"
)

// InitFunc optionally runs against a freshly dialed connection before it is
// published to the pool, e.g. to perform an application-level handshake. A
// non-nil error tears the connection down and the node retries on the
// post-disconnect backoff window.
type InitFunc func(conn Connection) error

// Node is one configured remote endpoint the manager keeps connected.
type Node struct {
	id             int32
	Name           string
	RemoteEndpoint string
	Init           InitFunc
}

const (
	coldConnectBackoffMin = 1000 * time.Millisecond
	coldConnectBackoffMax = 3000 * time.Millisecond
	reconnectBackoffMin   = 100 * time.Millisecond
	reconnectBackoffMax   = 1500 * time.Millisecond
)

// endpointManager owns the set of active nodes and their live connections,
// and runs one reconnect loop per node with randomized backoff. Mutations of
// the node/connection maps are serialized by a single coarse lock, matching
// the teacher's ClusterNodes: registration and teardown are rare compared to
// the steady-state traffic flowing through the pool, so a simple mutex beats
// a lock-free structure here.
type endpointManager struct {
	mu          sync.Mutex
	nodes       map[int32]*Node
	byName      map[string]int32
	connections map[int32]Connection

	nextId int32

	host  hostSink
	dial  ConnectionHost
	pool  Pool
	proto Protocol

	stats *clientStats

	closed int32
}

func newEndpointManager(dial ConnectionHost, pool Pool, proto Protocol, host hostSink, stats *clientStats) *endpointManager {
	return &endpointManager{
		nodes:       make(map[int32]*Node),
		byName:      make(map[string]int32),
		connections: make(map[int32]Connection),
		dial:        dial,
		pool:        pool,
		proto:       proto,
		host:        host,
		stats:       stats,
	}
}

// tryRegister adds a new active node and kicks off its connect loop. It
// returns false without side effects if the name is already active.
func (m *endpointManager) tryRegister(name, endpoint string, init InitFunc) bool {
	m.mu.Lock()
	if _, exists := m.byName[name]; exists {
		m.mu.Unlock()
		return false
	}
	m.nextId++
	node := &Node{id: m.nextId, Name: name, RemoteEndpoint: endpoint, Init: init}
	m.nodes[node.id] = node
	m.byName[name] = node.id
	m.mu.Unlock()

	go m.connect(node)
	return true
}

// unregister deactivates a node: it is removed from the maps immediately, and
// any connection it currently owns is disconnected. An in-progress connect
// attempt observes the node is no longer active and discards its result.
func (m *endpointManager) unregister(name string) bool {
	m.mu.Lock()
	id, exists := m.byName[name]
	if !exists {
		m.mu.Unlock()
		return false
	}
	delete(m.byName, name)
	delete(m.nodes, id)
	conn := m.connections[id]
	delete(m.connections, id)
	m.mu.Unlock()

	if conn != nil {
		m.pool.Destroy(conn)
		conn.BeginDisconnect(nil)
	}
	return true
}

// endpoints lists every currently active node's name and remote address.
func (m *endpointManager) endpoints() []Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Endpoint, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, Endpoint{Name: n.Name, RemoteAddress: n.RemoteEndpoint})
	}
	return out
}

func (m *endpointManager) isActive(nodeId int32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.nodes[nodeId]
	return ok
}

func (m *endpointManager) closing() bool {
	return atomic.LoadInt32(&m.closed) != 0
}

func (m *endpointManager) close() {
	atomic.StoreInt32(&m.closed, 1)
	m.mu.Lock()
	conns := make([]Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.nodes = make(map[int32]*Node)
	m.byName = make(map[string]int32)
	m.connections = make(map[int32]Connection)
	m.mu.Unlock()
	for _, c := range conns {
		c.BeginDisconnect(nil)
	}
}

// connect is the per-node connect loop: dial, optionally run Init, publish to
// the pool, and on disconnect reschedule itself with a fresh random backoff.
// It runs for the lifetime of the node (until unregister removes it).
func (m *endpointManager) connect(node *Node) {
	if m.closing() || !m.isActive(node.id) {
		return
	}

	conn, err := m.dial.Dial(node.RemoteEndpoint, m.host, m.proto)
	if err != nil {
		logging.Warnf("endpoint %s (%s): dial failed: %s", node.Name, node.RemoteEndpoint, err)
		if m.stats != nil {
			m.stats.dialFailures.WithLabelValues(node.Name).Inc()
		}
		m.scheduleReconnect(node, randomBetween(coldConnectBackoffMin, coldConnectBackoffMax))
		return
	}

	if m.closing() || !m.isActive(node.id) {
		conn.BeginDisconnect(nil)
		return
	}

	m.host.onConnected(conn)

	finish := func() {
		if m.closing() || !m.isActive(node.id) {
			conn.BeginDisconnect(nil)
			return
		}
		m.mu.Lock()
		m.connections[node.id] = conn
		m.mu.Unlock()
		m.pool.Register(conn)
		logging.Infof("endpoint %s (%s): connected", node.Name, node.RemoteEndpoint)
	}

	if node.Init == nil {
		finish()
		return
	}

	if err := node.Init(conn); err != nil {
		logging.Warnf("endpoint %s (%s): init failed: %s", node.Name, node.RemoteEndpoint, err)
		conn.BeginDisconnect(err)
		// The connection was never recorded, so onConnectionDown cannot find
		// this node; schedule the post-disconnect retry here instead.
		m.scheduleReconnect(node, randomBetween(reconnectBackoffMin, reconnectBackoffMax))
		return
	}
	finish()
}

// onConnectionDown is invoked by Client when a Connection's Disconnected
// notification fires; it removes the connection from the manager's map and,
// unless the node has been unregistered in the meantime, schedules a
// reconnect with the shorter post-disconnect backoff window.
func (m *endpointManager) onConnectionDown(conn Connection) {
	m.mu.Lock()
	var node *Node
	for id, c := range m.connections {
		if c.ID() == conn.ID() {
			delete(m.connections, id)
			node = m.nodes[id]
			break
		}
	}
	m.mu.Unlock()

	if node == nil || m.closing() {
		return
	}
	m.scheduleReconnect(node, randomBetween(reconnectBackoffMin, reconnectBackoffMax))
}

func (m *endpointManager) scheduleReconnect(node *Node, delay time.Duration) {
	if m.closing() || !m.isActive(node.id) {
		return
	}
	time.AfterFunc(delay, func() { m.connect(node) })
}

func randomBetween(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// Endpoint describes one registered remote, as returned by
// Client.GetAllRegisteredEndpoints and surfaced over the admin HTTP API.
type Endpoint struct {
	Name          string `json:"name"`
	RemoteAddress string `json:"remote_address"`
}
