// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"errors"
	"fmt"
)

// ErrEnforced matches every *EnforcedError.
var ErrEnforced = errors.New("agent: terminated by enforce rule")

// ErrRunning is returned by Run when the agent is already running.
var ErrRunning = errors.New("agent: already running")

// EnforcedError reports the rule that stopped the agent.
type EnforcedError struct {
	Rule  string
	Cycle uint64
}

func (e *EnforcedError) Error() string {
	return fmt.Sprintf("agent: terminated by enforce rule %s in cycle %d", e.Rule, e.Cycle)
}

// Is makes errors.Is(err, ErrEnforced) true.
func (e *EnforcedError) Is(target error) bool { return target == ErrEnforced }
