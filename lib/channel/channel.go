// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Discipline is the ownership discipline a descriptor is wrapped with.
// The set is closed: Exclusive, Shared, Duplicated.
type Discipline uint8

const (
	Exclusive Discipline = iota + 1
	Shared
	Duplicated
)

func (d Discipline) String() string {
	switch d {
	case Exclusive:
		return "exclusive"
	case Shared:
		return "shared"
	case Duplicated:
		return "duplicated"
	default:
		return fmt.Sprintf("discipline(%d)", uint8(d))
	}
}

// ParseDiscipline parses the configuration spelling of a discipline.
func ParseDiscipline(name string) (Discipline, error) {
	switch name {
	case "exclusive", "":
		return Exclusive, nil
	case "shared":
		return Shared, nil
	case "duplicated":
		return Duplicated, nil
	default:
		return 0, fmt.Errorf("unknown channel discipline %q (want exclusive, shared, or duplicated)", name)
	}
}

// DefaultMaxMessage is the receive buffer size used when a channel is
// created with a non-positive limit.
const DefaultMaxMessage = 64 * 1024

// descriptor is the OS handle behind one or more Channel references.
// mu serializes reference counting and close against in-flight I/O;
// Shared channels also hold it for every Send and Recv.
type descriptor struct {
	mu     sync.Mutex
	fd     int
	refs   int
	closed atomic.Bool
}

// release drops one reference and closes the descriptor when none
// remain. The close happens exactly once.
func (d *descriptor) release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refs--
	if d.refs > 0 || d.closed.Load() {
		return nil
	}
	d.closed.Store(true)
	if err := unix.Close(d.fd); err != nil {
		return &IoError{Op: "close", Err: err}
	}
	return nil
}

// Channel is one reference to a descriptor. Exclusive and Duplicated
// channels must be used by a single goroutine at a time; Shared
// references may be used concurrently.
type Channel struct {
	discipline Discipline
	desc       *descriptor
	maxMessage int
	released   atomic.Bool
}

// Wrap takes ownership of fd under the given discipline and switches
// it to non-blocking mode. For Duplicated, fd itself is left alone and
// the channel owns a fresh duplicate instead.
func Wrap(fd int, discipline Discipline, maxMessage int) (*Channel, error) {
	if fd < 0 {
		return nil, fmt.Errorf("channel: invalid descriptor %d", fd)
	}
	if maxMessage <= 0 {
		maxMessage = DefaultMaxMessage
	}

	switch discipline {
	case Exclusive, Shared:
	case Duplicated:
		duplicate, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
		if err != nil {
			return nil, &IoError{Op: "dup", Err: err}
		}
		fd = duplicate
	default:
		return nil, fmt.Errorf("channel: unsupported discipline %v", discipline)
	}

	// O_NONBLOCK lives on the open file description, so for a
	// duplicate this also affects the original descriptor.
	if err := unix.SetNonblock(fd, true); err != nil {
		if discipline == Duplicated {
			unix.Close(fd)
		}
		return nil, &IoError{Op: "set nonblocking", Err: err}
	}

	return &Channel{
		discipline: discipline,
		desc:       &descriptor{fd: fd, refs: 1},
		maxMessage: maxMessage,
	}, nil
}

// Discipline returns the ownership discipline of this reference.
func (c *Channel) Discipline() Discipline { return c.discipline }

// Share returns another reference to a Shared channel's descriptor.
// Each reference must be closed; the descriptor closes with the last.
func (c *Channel) Share() (*Channel, error) {
	if c.discipline != Shared {
		return nil, fmt.Errorf("channel: cannot share a %v channel", c.discipline)
	}
	if c.released.Load() {
		return nil, ErrClosed
	}
	c.desc.mu.Lock()
	defer c.desc.mu.Unlock()
	if c.desc.closed.Load() {
		return nil, ErrClosed
	}
	c.desc.refs++
	return &Channel{discipline: Shared, desc: c.desc, maxMessage: c.maxMessage}, nil
}

// Send writes data as one message. Returns ErrWouldBlock when the
// transport buffer is full, ErrTooLarge when data can never be sent as
// one datagram, ErrClosed when the channel or its peer is gone, and
// *IoError otherwise (including short writes).
func (c *Channel) Send(data []byte) error {
	if len(data) == 0 {
		return errors.New("channel: refusing to send empty message")
	}
	if c.released.Load() {
		return ErrClosed
	}
	if c.discipline == Shared {
		c.desc.mu.Lock()
		defer c.desc.mu.Unlock()
	}
	if c.desc.closed.Load() {
		return ErrClosed
	}

	for {
		written, err := unix.Write(c.desc.fd, data)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return classify("send", err)
		}
		if written != len(data) {
			return &IoError{Op: "send", Err: io.ErrShortWrite}
		}
		return nil
	}
}

// Recv reads one message. Returns ErrWouldBlock when nothing is
// pending and ErrClosed once the peer has shut down.
func (c *Channel) Recv() ([]byte, error) {
	if c.released.Load() {
		return nil, ErrClosed
	}
	if c.discipline == Shared {
		c.desc.mu.Lock()
		defer c.desc.mu.Unlock()
	}
	if c.desc.closed.Load() {
		return nil, ErrClosed
	}

	buffer := make([]byte, c.maxMessage)
	for {
		count, err := unix.Read(c.desc.fd, buffer)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, classify("recv", err)
		}
		if count == 0 {
			return nil, ErrClosed
		}
		return buffer[:count], nil
	}
}

// Close releases this reference. Calling Close more than once on the
// same reference is a no-op.
func (c *Channel) Close() error {
	if !c.released.CompareAndSwap(false, true) {
		return nil
	}
	return c.desc.release()
}

// fd exposes the descriptor to Watch.
func (c *Channel) fd() (int, bool) {
	if c.released.Load() || c.desc.closed.Load() {
		return -1, false
	}
	return c.desc.fd, true
}
