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
	"encoding/binary"
)

// Protocol adapts raw bytes off the wire into Messages the core can
// correlate back to a Request by sequence id. It is the one collaborator
// this package treats as fully opaque: framing/parsing of a specific
// application protocol is explicitly out of scope for the core itself.
type Protocol interface {
	// IsAsync reports whether the protocol allows more than one request to be
	// outstanding at a time on a single connection. The Client uses this,
	// once, to decide whether to build an async or a sync Pool.
	IsAsync() bool
	// RecvChunkSize is the size of the read buffer a ConnectionHost should
	// use per Read call for this protocol.
	RecvChunkSize() int
	// Validate inspects buf (everything read so far that hasn't yet formed a
	// complete frame) and reports how many leading bytes make up exactly one
	// complete frame. readLen == 0 means "not enough bytes yet"; a non-nil
	// error means the bytes can never form a valid frame and the connection
	// must be torn down.
	Validate(buf []byte) (readLen int, err error)
	// Parse decodes exactly one complete frame (as sized by a prior Validate
	// call) into a Message.
	Parse(frame []byte) (Message, error)
	// Encode renders a request body ready to hand to Connection.BeginSend.
	// name and payload are caller-supplied; seqId is allocated by the Client.
	Encode(seqId int32, name string, payload []byte) ([]byte, error)
}

// lengthPrefixedMessage is the Message implementation produced by
// LengthPrefixedProtocol.
type lengthPrefixedMessage struct {
	seqId int32
	body  []byte
}

func (m *lengthPrefixedMessage) SeqId() int32 { return m.seqId }

// Body is the opaque application payload carried by the response frame.
func (m *lengthPrefixedMessage) Body() []byte { return m.body }

// lengthPrefixedHeaderSize is 4 bytes of big-endian length (counting the
// sequence id and body, not the length field itself) plus 4 bytes of
// big-endian sequence id.
const lengthPrefixedHeaderSize = 8

// LengthPrefixedProtocol is the bundled default Protocol: a 4-byte
// big-endian length (covering the rest of the frame, i.e. seqId + body),
// followed by a 4-byte big-endian sequence id, followed by the opaque body.
// It carries no application-specific knowledge beyond that envelope; it
// exists purely so the client package is runnable and testable out of the
// box. IsAsync is true, so Client pairs it with the round-robin pool.
type LengthPrefixedProtocol struct {
	MaxFrameSize int
}

// NewLengthPrefixedProtocol constructs the default envelope codec.
// maxFrameSize bounds the length field to guard against a corrupt peer
// claiming an unbounded frame; 0 means defaultMaxFrameSize.
func NewLengthPrefixedProtocol(maxFrameSize int) *LengthPrefixedProtocol {
	if maxFrameSize <= 0 {
		maxFrameSize = defaultMaxFrameSize
	}
	return &LengthPrefixedProtocol{MaxFrameSize: maxFrameSize}
}

const defaultMaxFrameSize = 16 * 1024 * 1024

func (p *LengthPrefixedProtocol) IsAsync() bool     { return true }
func (p *LengthPrefixedProtocol) RecvChunkSize() int { return defaultMessageBufferSize }

func (p *LengthPrefixedProtocol) Validate(buf []byte) (int, error) {
	if len(buf) < 4 {
		return 0, nil
	}
	bodyLen := int(binary.BigEndian.Uint32(buf[:4]))
	if bodyLen < 4 {
		return 0, ErrInvalidFrame
	}
	if bodyLen > p.MaxFrameSize {
		return 0, ErrFrameTooLarge
	}
	total := 4 + bodyLen
	if len(buf) < total {
		return 0, nil
	}
	return total, nil
}

func (p *LengthPrefixedProtocol) Parse(frame []byte) (Message, error) {
	if len(frame) < lengthPrefixedHeaderSize {
		return nil, ErrInvalidFrame
	}
	seqId := int32(binary.BigEndian.Uint32(frame[4:8]))
	body := make([]byte, len(frame)-lengthPrefixedHeaderSize)
	copy(body, frame[lengthPrefixedHeaderSize:])
	return &lengthPrefixedMessage{seqId: seqId, body: body}, nil
}

func (p *LengthPrefixedProtocol) Encode(seqId int32, _ string, payload []byte) ([]byte, error) {
	bodyLen := 4 + len(payload)
	out := make([]byte, 4+bodyLen)
	binary.BigEndian.PutUint32(out[:4], uint32(bodyLen))
	binary.BigEndian.PutUint32(out[4:8], uint32(seqId))
	copy(out[8:], payload)
	return out, nil
}
