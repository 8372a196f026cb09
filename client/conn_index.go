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

import "sync"

// connIndex tracks which requests are currently bound to which connection,
// so WithFailFastOnDisconnect can find and fail them in O(requests on that
// connection) instead of scanning every in-flight request in the registry.
type connIndex struct {
	mu     sync.Mutex
	byConn map[int64]map[int32]*Request
}

func newConnIndex() *connIndex {
	return &connIndex{byConn: make(map[int64]map[int32]*Request)}
}

func (c *connIndex) add(connId int64, req *Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.byConn[connId]
	if !ok {
		m = make(map[int32]*Request)
		c.byConn[connId] = m
	}
	m[req.SeqId] = req
}

func (c *connIndex) remove(connId int64, seqId int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.byConn[connId]; ok {
		delete(m, seqId)
		if len(m) == 0 {
			delete(c.byConn, connId)
		}
	}
}

// drain removes and returns every request currently bound to connId.
func (c *connIndex) drain(connId int64) []*Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.byConn[connId]
	if !ok {
		return nil
	}
	delete(c.byConn, connId)
	out := make([]*Request, 0, len(m))
	for _, req := range m {
		out = append(out, req)
	}
	return out
}
