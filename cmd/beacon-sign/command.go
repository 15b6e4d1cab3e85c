// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/beacon/lib/control"
)

// defaultTTL is how long a command stays valid unless --ttl says
// otherwise.
const defaultTTL = 5 * time.Minute

// commandOptions are the flags shared by sign and send.
type commandOptions struct {
	keyPath string
	name    string
	id      string
	agent   string
	beat    string
	period  time.Duration
	reason  string
	ttl     time.Duration
}

func (o *commandOptions) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&o.keyPath, "key", "control-signing-key", "path to the raw Ed25519 private key")
	flagSet.StringVar(&o.name, "command", "", "command name: Quarantine, Resume, AdjustCadence, EnableBeat, or DisableBeat (required)")
	flagSet.StringVar(&o.id, "id", "", "command id (default: a random UUID)")
	flagSet.StringVar(&o.agent, "agent", "", "address a single agent by id (default: every agent trusting the key)")
	flagSet.StringVar(&o.beat, "beat", "", "target beat class for AdjustCadence, EnableBeat, and DisableBeat")
	flagSet.DurationVar(&o.period, "period", 0, "new base period for AdjustCadence")
	flagSet.StringVar(&o.reason, "reason", "", "free-form reason recorded in reports")
	flagSet.DurationVar(&o.ttl, "ttl", defaultTTL, "how long the command stays valid")
}

// command builds the unsigned command issued at now.
func (o *commandOptions) command(now time.Time) (*control.Command, error) {
	name := control.Name(o.name)
	if o.name == "" {
		return nil, errors.New("--command is required")
	}
	if !control.Known(name) {
		return nil, fmt.Errorf("unknown command %q (want one of %v)", o.name, control.Names)
	}
	if o.ttl <= 0 {
		return nil, errors.New("--ttl must be positive")
	}
	switch name {
	case control.AdjustCadence:
		if o.beat == "" || o.period <= 0 {
			return nil, errors.New("AdjustCadence needs --beat and a positive --period")
		}
	case control.EnableBeat, control.DisableBeat:
		if o.beat == "" {
			return nil, fmt.Errorf("%s needs --beat", name)
		}
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}
	return &control.Command{
		Name:      name,
		ID:        o.id,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(o.ttl).Unix(),
		Agent:     o.agent,
		Beat:      o.beat,
		Period:    int64(o.period),
		Reason:    o.reason,
	}, nil
}

// sign loads the key and returns the signed message and the encoded
// command payload (for --explain).
func (o *commandOptions) sign(now time.Time) ([]byte, []byte, error) {
	command, err := o.command(now)
	if err != nil {
		return nil, nil, err
	}
	private, err := control.LoadPrivateKey(o.keyPath)
	if err != nil {
		return nil, nil, err
	}
	message, err := control.Sign(private, command)
	if err != nil {
		return nil, nil, err
	}
	return message, message[:len(message)-ed25519.SignatureSize], nil
}
