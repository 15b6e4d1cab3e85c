// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package flush

import (
	"fmt"
	"time"

	"github.com/bureau-foundation/beacon/lib/beat"
	"github.com/bureau-foundation/beacon/lib/codec"
)

// Frame is one message on the telemetry channel. Body holds the CBOR
// encoding of the payload body, compressed as recorded in Compression.
type Frame struct {
	Agent       string      `cbor:"1,keyasint,omitempty"`
	Class       string      `cbor:"2,keyasint"`
	Sequence    uint64      `cbor:"3,keyasint"`
	Time        int64       `cbor:"4,keyasint"`
	Compression Compression `cbor:"5,keyasint,omitempty"`
	RawSize     int         `cbor:"6,keyasint,omitempty"`
	Body        []byte      `cbor:"7,keyasint"`
}

// encodeFrame serializes a payload. Time is the payload deadline in
// Unix nanoseconds.
func encodeFrame(agent string, payload beat.Payload, compression Compression) ([]byte, error) {
	body, err := codec.Marshal(payload.Body)
	if err != nil {
		return nil, fmt.Errorf("encoding %s body: %w", payload.Class, err)
	}
	compressed, used, err := compress(body, compression)
	if err != nil {
		return nil, fmt.Errorf("compressing %s body: %w", payload.Class, err)
	}
	frame := Frame{
		Agent:       agent,
		Class:       payload.Class,
		Sequence:    payload.Sequence,
		Time:        payload.Deadline.UnixNano(),
		Compression: used,
		Body:        compressed,
	}
	if used != CompressionNone {
		frame.RawSize = len(body)
	}
	return codec.Marshal(frame)
}

// DecodeFrame parses a frame written by the controller and returns it
// with Body decompressed to the payload's CBOR encoding.
func DecodeFrame(data []byte) (Frame, error) {
	var frame Frame
	if err := codec.Unmarshal(data, &frame); err != nil {
		return Frame{}, fmt.Errorf("decoding frame: %w", err)
	}
	body, err := Decompress(frame.Body, frame.Compression, frame.RawSize)
	if err != nil {
		return Frame{}, fmt.Errorf("frame %s/%d: %w", frame.Class, frame.Sequence, err)
	}
	frame.Body = body
	frame.Compression = CompressionNone
	frame.RawSize = 0
	return frame, nil
}

// Timestamp returns the frame time.
func (f Frame) Timestamp() time.Time { return time.Unix(0, f.Time) }
