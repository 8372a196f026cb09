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

func TestConnIndex_DrainReturnsAndClearsAllRequestsForAConnection(t *testing.T) {
	idx := newConnIndex()
	r1 := newRequest(1, "a", nil, 1000, true, nil, nil)
	r2 := newRequest(2, "b", nil, 1000, true, nil, nil)
	idx.add(7, r1)
	idx.add(7, r2)

	drained := idx.drain(7)
	assert.ElementsMatch(t, []*Request{r1, r2}, drained)

	assert.Empty(t, idx.drain(7), "a second drain of the same connection should find nothing left")
}

func TestConnIndex_RemoveDropsOnlyThatRequest(t *testing.T) {
	idx := newConnIndex()
	r1 := newRequest(1, "a", nil, 1000, true, nil, nil)
	r2 := newRequest(2, "b", nil, 1000, true, nil, nil)
	idx.add(7, r1)
	idx.add(7, r2)

	idx.remove(7, 1)
	drained := idx.drain(7)
	assert.Equal(t, []*Request{r2}, drained)
}

func TestConnIndex_DrainUnknownConnectionReturnsNil(t *testing.T) {
	idx := newConnIndex()
	assert.Nil(t, idx.drain(999))
}

func TestConnIndex_IsolatesDifferentConnections(t *testing.T) {
	idx := newConnIndex()
	r1 := newRequest(1, "a", nil, 1000, true, nil, nil)
	r2 := newRequest(2, "b", nil, 1000, true, nil, nil)
	idx.add(1, r1)
	idx.add(2, r2)

	assert.Equal(t, []*Request{r1}, idx.drain(1))
	assert.Equal(t, []*Request{r2}, idx.drain(2))
}
