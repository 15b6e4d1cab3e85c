// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"errors"

	"golang.org/x/sys/unix"
)

// pollTimeoutMilliseconds bounds each poll(2) call so Watch notices
// context cancellation without spinning.
const pollTimeoutMilliseconds = 100

// Watch turns a notify channel into nudges. It polls the descriptor
// for readability, drains every pending message, and performs a
// non-blocking send on nudge (capacity 1 is enough: one pending nudge
// already guarantees the next cycle runs early).
//
// Watch returns nil when ctx is cancelled and ErrClosed when the peer
// goes away. Run it in its own goroutine.
func Watch(ctx context.Context, ch *Channel, nudge chan<- struct{}) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		fd, ok := ch.fd()
		if !ok {
			return ErrClosed
		}

		pollDescriptors := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		count, err := unix.Poll(pollDescriptors, pollTimeoutMilliseconds)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return &IoError{Op: "poll", Err: err}
		}
		if count == 0 {
			continue
		}

		drained := false
		for {
			_, err := ch.Recv()
			if errors.Is(err, ErrWouldBlock) {
				break
			}
			if err != nil {
				return err
			}
			drained = true
		}

		if drained {
			select {
			case nudge <- struct{}{}:
			default:
			}
		}
	}
}
