// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/beacon/lib/channel"
	"github.com/bureau-foundation/beacon/lib/clock"
	"github.com/bureau-foundation/beacon/lib/control"
	"github.com/bureau-foundation/beacon/lib/testutil"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func keygen(t *testing.T) string {
	t.Helper()
	directory := filepath.Join(t.TempDir(), "keys")
	var stdout bytes.Buffer
	if err := run([]string{"keygen", "--dir", directory}, &stdout, &bytes.Buffer{}, clock.Fake(epoch)); err != nil {
		t.Fatalf("keygen: %v", err)
	}
	if !strings.HasPrefix(stdout.String(), "generated keypair") {
		t.Fatalf("keygen output = %q", stdout.String())
	}
	return directory
}

func verifier(t *testing.T, directory string) control.Verifier {
	t.Helper()
	public, err := control.LoadPublicKey(filepath.Join(directory, control.PublicKeyFile))
	if err != nil {
		t.Fatalf("LoadPublicKey: %v", err)
	}
	return control.Ed25519Verifier{PublicKey: public}
}

func TestKeygenIsIdempotent(t *testing.T) {
	directory := keygen(t)
	first, err := os.ReadFile(filepath.Join(directory, control.PublicKeyFile))
	if err != nil {
		t.Fatal(err)
	}

	var stdout bytes.Buffer
	if err := run([]string{"keygen", "--dir", directory}, &stdout, &bytes.Buffer{}, clock.Fake(epoch)); err != nil {
		t.Fatalf("second keygen: %v", err)
	}
	if !strings.HasPrefix(stdout.String(), "existing keypair") {
		t.Fatalf("second keygen output = %q", stdout.String())
	}
	second, _ := os.ReadFile(filepath.Join(directory, control.PublicKeyFile))
	if !bytes.Equal(first, second) {
		t.Fatal("keygen replaced an existing key")
	}
}

func TestSignProducesVerifiableCommand(t *testing.T) {
	directory := keygen(t)
	var stdout, stderr bytes.Buffer
	err := run([]string{
		"sign",
		"--key", filepath.Join(directory, control.PrivateKeyFile),
		"--command", "AdjustCadence",
		"--beat", "normal",
		"--period", "30s",
		"--agent", "edge-1",
		"--ttl", "2m",
		"--explain",
	}, &stdout, &stderr, clock.Fake(epoch))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	command, err := control.Open(verifier(t, directory), stdout.Bytes())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if command.Name != control.AdjustCadence || command.Beat != "normal" || command.PeriodDuration() != 30*time.Second {
		t.Fatalf("command = %+v", command)
	}
	if command.Agent != "edge-1" || command.ID == "" {
		t.Fatalf("command = %+v, want agent edge-1 and a generated id", command)
	}
	if command.IssuedAt != epoch.Unix() || command.ExpiresAt != epoch.Add(2*time.Minute).Unix() {
		t.Fatalf("validity = [%d, %d)", command.IssuedAt, command.ExpiresAt)
	}
	if !strings.Contains(stderr.String(), `"AdjustCadence"`) {
		t.Fatalf("--explain output = %q", stderr.String())
	}
}

func TestSignToFile(t *testing.T) {
	directory := keygen(t)
	output := filepath.Join(t.TempDir(), "quarantine.bin")
	err := run([]string{
		"sign",
		"--key", filepath.Join(directory, control.PrivateKeyFile),
		"--command", "Quarantine",
		"--reason", "incident",
		"--id", "cmd-7",
		"--out", output,
	}, &bytes.Buffer{}, &bytes.Buffer{}, clock.Fake(epoch))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	message, err := os.ReadFile(output)
	if err != nil {
		t.Fatal(err)
	}
	command, err := control.Open(verifier(t, directory), message)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if command.ID != "cmd-7" || command.Reason != "incident" {
		t.Fatalf("command = %+v", command)
	}
}

func TestSignRejectsBadOptions(t *testing.T) {
	directory := keygen(t)
	key := filepath.Join(directory, control.PrivateKeyFile)
	tests := map[string][]string{
		"--command is required":     {"sign", "--key", key},
		"unknown command":           {"sign", "--key", key, "--command", "Reboot"},
		"needs --beat and":          {"sign", "--key", key, "--command", "AdjustCadence", "--beat", "normal"},
		"DisableBeat needs --beat":  {"sign", "--key", key, "--command", "DisableBeat"},
		"--ttl must be positive":    {"sign", "--key", key, "--command", "Resume", "--ttl", "0s"},
		"reading private key":       {"sign", "--key", filepath.Join(directory, "missing"), "--command", "Resume"},
		"--socket is required":      {"send", "--key", key, "--command", "Resume"},
		`unknown subcommand "frob"`: {"frob"},
		"missing subcommand":        {},
	}
	for want, args := range tests {
		err := run(args, &bytes.Buffer{}, &bytes.Buffer{}, clock.Fake(epoch))
		if err == nil {
			t.Errorf("run(%v) succeeded", args)
			continue
		}
		if !strings.Contains(err.Error(), want) {
			t.Errorf("run(%v) error %q does not mention %q", args, err, want)
		}
	}
}

func TestSendDeliversToControlSocket(t *testing.T) {
	directory := keygen(t)
	socketPath := filepath.Join(testutil.SocketDir(t), "control.sock")
	listener, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	defer unix.Close(listener)
	if err := unix.Bind(listener, &unix.SockaddrUnix{Name: socketPath}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := unix.Listen(listener, 1); err != nil {
		t.Fatalf("listen: %v", err)
	}

	var stdout bytes.Buffer
	err = run([]string{
		"send",
		"--key", filepath.Join(directory, control.PrivateKeyFile),
		"--socket", socketPath,
		"--command", "Resume",
	}, &stdout, &bytes.Buffer{}, clock.Fake(epoch))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.HasPrefix(stdout.String(), "sent Resume") {
		t.Fatalf("send output = %q", stdout.String())
	}

	accepted, _, err := unix.Accept(listener)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	agentSide, err := channel.Wrap(accepted, channel.Exclusive, 0)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	defer agentSide.Close()

	message, err := agentSide.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	command, err := control.Open(verifier(t, directory), message)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if command.Name != control.Resume {
		t.Fatalf("command = %+v, want Resume", command)
	}
	if _, err := agentSide.Recv(); !errors.Is(err, channel.ErrClosed) {
		t.Fatalf("second Recv = %v, want ErrClosed after the sender closed", err)
	}
}

func TestVersionAndHelp(t *testing.T) {
	var stdout bytes.Buffer
	if err := run([]string{"version"}, &stdout, &bytes.Buffer{}, clock.Fake(epoch)); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(stdout.String(), "beacon-sign ") {
		t.Fatalf("version output = %q", stdout.String())
	}
	stdout.Reset()
	if err := run([]string{"help"}, &stdout, &bytes.Buffer{}, clock.Fake(epoch)); err != nil {
		t.Fatalf("help: %v", err)
	}
	if !strings.Contains(stdout.String(), "keygen") {
		t.Fatalf("help output = %q", stdout.String())
	}
}
