// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// beacon-sign manages the control signing key and produces signed
// commands for beacon agents.
//
//	beacon-sign keygen --dir /etc/beacon/keys
//	beacon-sign sign --key /etc/beacon/keys/control-signing-key --command Quarantine --reason incident > cmd.bin
//	beacon-sign send --key /etc/beacon/keys/control-signing-key --socket /run/beacon/control.sock --command Resume
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/beacon/lib/channel"
	"github.com/bureau-foundation/beacon/lib/clock"
	"github.com/bureau-foundation/beacon/lib/codec"
	"github.com/bureau-foundation/beacon/lib/control"
	"github.com/bureau-foundation/beacon/lib/version"
)

const usage = `usage: beacon-sign <keygen|sign|send|version> [flags]

  keygen   create (or load) the control signing keypair in --dir
  sign     write a signed command to stdout or --out
  send     sign a command and send it to an agent's control socket
`

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr, clock.Real()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer, clk clock.Clock) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return errors.New("missing subcommand")
	}
	subcommand, args := args[0], args[1:]
	switch subcommand {
	case "keygen":
		return runKeygen(args, stdout, stderr)
	case "sign":
		return runSign(args, stdout, stderr, clk)
	case "send":
		return runSend(args, stdout, stderr, clk)
	case "version", "--version":
		fmt.Fprintf(stdout, "beacon-sign %s\n", version.Info())
		return nil
	case "help", "--help", "-h":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		fmt.Fprint(stderr, usage)
		return fmt.Errorf("unknown subcommand %q", subcommand)
	}
}

func newFlagSet(name string, stderr io.Writer) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("beacon-sign "+name, pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	return flagSet
}

func runKeygen(args []string, stdout, stderr io.Writer) error {
	flagSet := newFlagSet("keygen", stderr)
	directory := flagSet.String("dir", ".", "directory holding the keypair")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if err := os.MkdirAll(*directory, 0o700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}
	public, _, generated, err := control.LoadOrGenerateKeypair(*directory)
	if err != nil {
		return err
	}
	state := "existing"
	if generated {
		state = "generated"
	}
	fmt.Fprintf(stdout, "%s keypair in %s\npublic key: %x\n", state, *directory, []byte(public))
	return nil
}

func runSign(args []string, stdout, stderr io.Writer, clk clock.Clock) error {
	flagSet := newFlagSet("sign", stderr)
	var options commandOptions
	options.register(flagSet)
	output := flagSet.String("out", "", "write the signed message to this file instead of stdout")
	explain := flagSet.Bool("explain", false, "print the command in CBOR diagnostic notation on stderr")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	message, payload, err := options.sign(clk.Now())
	if err != nil {
		return err
	}
	if *explain {
		if err := explainPayload(stderr, payload); err != nil {
			return err
		}
	}
	if *output != "" {
		return os.WriteFile(*output, message, 0o600)
	}
	_, err = stdout.Write(message)
	return err
}

func runSend(args []string, stdout, stderr io.Writer, clk clock.Clock) error {
	flagSet := newFlagSet("send", stderr)
	var options commandOptions
	options.register(flagSet)
	socketPath := flagSet.String("socket", "", "agent control socket path (required)")
	explain := flagSet.Bool("explain", false, "print the command in CBOR diagnostic notation on stderr")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if *socketPath == "" {
		return errors.New("--socket is required")
	}

	message, payload, err := options.sign(clk.Now())
	if err != nil {
		return err
	}
	if *explain {
		if err := explainPayload(stderr, payload); err != nil {
			return err
		}
	}

	fd, err := channel.DialSeqpacket(*socketPath)
	if err != nil {
		return err
	}
	ch, err := channel.Wrap(fd, channel.Exclusive, 0)
	if err != nil {
		unix.Close(fd)
		return err
	}
	defer ch.Close()

	if err := ch.Send(message); err != nil {
		if errors.Is(err, channel.ErrWouldBlock) {
			return fmt.Errorf("agent control socket is full; retry later: %w", err)
		}
		return err
	}
	fmt.Fprintf(stdout, "sent %s (%s) to %s\n", options.name, options.id, *socketPath)
	return nil
}

func explainPayload(w io.Writer, payload []byte) error {
	diagnostic, err := codec.Diagnose(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, diagnostic)
	return err
}
