// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"errors"
	"fmt"
	"sync"
)

// Handle identifies a channel reference inside a Registry.
type Handle uint32

// Registry is the single owner of every channel reference belonging
// to one agent instance. Components look channels up by handle instead
// of holding their own references, so the registry can close
// everything on shutdown no matter how the agent exited.
type Registry struct {
	mu         sync.Mutex
	next       Handle
	entries    map[Handle]*Channel
	maxMessage int
}

// NewRegistry creates an empty registry. maxMessage is the receive
// buffer size for channels it wraps (DefaultMaxMessage if <= 0).
func NewRegistry(maxMessage int) *Registry {
	return &Registry{
		entries:    make(map[Handle]*Channel),
		maxMessage: maxMessage,
	}
}

// Wrap wraps fd under discipline and registers the resulting channel.
func (r *Registry) Wrap(fd int, discipline Discipline) (Handle, *Channel, error) {
	ch, err := Wrap(fd, discipline, r.maxMessage)
	if err != nil {
		return 0, nil, err
	}
	return r.add(ch), ch, nil
}

// Share registers an additional reference to a Shared channel.
func (r *Registry) Share(handle Handle) (Handle, *Channel, error) {
	original, ok := r.Get(handle)
	if !ok {
		return 0, nil, fmt.Errorf("channel: unknown handle %d", handle)
	}
	ch, err := original.Share()
	if err != nil {
		return 0, nil, err
	}
	return r.add(ch), ch, nil
}

// Adopt registers a reference created elsewhere, typically
// Channel.Share on a channel owned by another agent's registry. The
// registry takes over closing it.
func (r *Registry) Adopt(ch *Channel) Handle {
	return r.add(ch)
}

func (r *Registry) add(ch *Channel) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.entries[r.next] = ch
	return r.next
}

// Get returns the channel registered under handle.
func (r *Registry) Get(handle Handle) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.entries[handle]
	return ch, ok
}

// Release closes and unregisters one reference.
func (r *Registry) Release(handle Handle) error {
	r.mu.Lock()
	ch, ok := r.entries[handle]
	delete(r.entries, handle)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return ch.Close()
}

// CloseAll closes every registered reference and empties the
// registry. Errors from individual closes are joined.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[Handle]*Channel)
	r.mu.Unlock()

	var errs []error
	for _, ch := range entries {
		if err := ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of registered references.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
