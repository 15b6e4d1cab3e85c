// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	// ErrWouldBlock means the operation could not complete without
	// blocking. It is not fatal: the caller decides to shed or retry.
	ErrWouldBlock = errors.New("channel: operation would block")

	// ErrClosed means the channel (or its peer) is gone. Fatal for
	// that channel.
	ErrClosed = errors.New("channel: closed")

	// ErrTooLarge means the message exceeds what the transport accepts
	// as one datagram. Only that message is affected.
	ErrTooLarge = errors.New("channel: message too large")
)

// IoError is any other descriptor failure. Surfaced to the caller.
type IoError struct {
	Op  string
	Err error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("channel: %s: %v", e.Op, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

// classify maps a raw errno from read(2)/write(2) onto the channel
// error taxonomy.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK):
		return ErrWouldBlock
	case errors.Is(err, unix.EMSGSIZE):
		return ErrTooLarge
	case errors.Is(err, unix.EPIPE),
		errors.Is(err, unix.ECONNRESET),
		errors.Is(err, unix.ENOTCONN),
		errors.Is(err, unix.EBADF):
		return ErrClosed
	default:
		return &IoError{Op: op, Err: err}
	}
}
