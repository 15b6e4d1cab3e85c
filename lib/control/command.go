// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/bureau-foundation/beacon/lib/codec"
)

const signatureSize = ed25519.SignatureSize

// Name identifies a command.
type Name string

const (
	Quarantine    Name = "Quarantine"
	Resume        Name = "Resume"
	AdjustCadence Name = "AdjustCadence"
	EnableBeat    Name = "EnableBeat"
	DisableBeat   Name = "DisableBeat"
)

// Names lists every command the machine understands.
var Names = []Name{Quarantine, Resume, AdjustCadence, EnableBeat, DisableBeat}

// Known reports whether name is a command the machine understands.
func Known(name Name) bool {
	for _, known := range Names {
		if name == known {
			return true
		}
	}
	return false
}

// Command is the signed payload of a control message.
type Command struct {
	Name Name `cbor:"1,keyasint"`

	// ID is unique per command (a UUID). It appears in reports and
	// events.
	ID string `cbor:"2,keyasint"`

	// IssuedAt and ExpiresAt are Unix seconds. A command is valid in
	// [IssuedAt-skew, ExpiresAt).
	IssuedAt  int64 `cbor:"3,keyasint"`
	ExpiresAt int64 `cbor:"4,keyasint"`

	// Agent addresses a single agent instance. Empty addresses every
	// agent that trusts the signing key.
	Agent string `cbor:"5,keyasint,omitempty"`

	// Beat is the target class for AdjustCadence, EnableBeat, and
	// DisableBeat.
	Beat string `cbor:"6,keyasint,omitempty"`

	// Period is the new base period for AdjustCadence, in
	// nanoseconds.
	Period int64 `cbor:"7,keyasint,omitempty"`

	// Reason is free text carried into state and reports.
	Reason string `cbor:"8,keyasint,omitempty"`
}

var (
	ErrTooShort          = errors.New("control: message too short for signature")
	ErrInvalidSignature  = errors.New("control: invalid signature")
	ErrExpired           = errors.New("control: command has expired")
	ErrNotYetValid       = errors.New("control: command issued in the future")
	ErrWrongAgent        = errors.New("control: command addressed to another agent")
	ErrReplayed          = errors.New("control: command already seen")
	ErrUnknownCommand    = errors.New("control: unknown command")
	ErrHandlerDisabled   = errors.New("control: handler disabled")
	ErrInvalidParameters = errors.New("control: invalid parameters")
	ErrInvalidTransition = errors.New("control: invalid transition")
)

// Verifier checks a signature over message. Implementations must be
// deterministic and free of side effects.
type Verifier interface {
	Verify(message, signature []byte) bool
}

// Ed25519Verifier verifies Ed25519 signatures against one public key.
type Ed25519Verifier struct {
	PublicKey ed25519.PublicKey
}

func (v Ed25519Verifier) Verify(message, signature []byte) bool {
	if len(v.PublicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(v.PublicKey, message, signature)
}

// Sign encodes command and appends an Ed25519 signature.
func Sign(privateKey ed25519.PrivateKey, command *Command) ([]byte, error) {
	payload, err := codec.Marshal(command)
	if err != nil {
		return nil, fmt.Errorf("control: encoding command: %w", err)
	}
	signature := ed25519.Sign(privateKey, payload)

	result := make([]byte, len(payload)+signatureSize)
	copy(result, payload)
	copy(result[len(payload):], signature)
	return result, nil
}

// Open verifies the signature on message and decodes the command. It
// checks nothing else; policy checks belong to the Machine.
func Open(verifier Verifier, message []byte) (*Command, error) {
	if len(message) <= signatureSize {
		return nil, ErrTooShort
	}
	splitPoint := len(message) - signatureSize
	payload := message[:splitPoint]
	signature := message[splitPoint:]

	if !verifier.Verify(payload, signature) {
		return nil, ErrInvalidSignature
	}

	var command Command
	if err := codec.Unmarshal(payload, &command); err != nil {
		return nil, fmt.Errorf("control: decoding command: %w", err)
	}
	return &command, nil
}

// PeriodDuration returns Period as a time.Duration.
func (c *Command) PeriodDuration() time.Duration { return time.Duration(c.Period) }
