// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// HashFile returns the hex-encoded BLAKE3 digest of the file at path.
func HashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// SelfDigest returns the digest and absolute path of the running
// binary. On Linux os.Executable reads /proc/self/exe, which still
// names the original binary if it was replaced on disk after start.
// Agents log it at startup and export it as a metric label so a fleet
// can be checked for stragglers after a rollout.
func SelfDigest() (digest string, path string, err error) {
	path, err = os.Executable()
	if err != nil {
		return "", "", fmt.Errorf("resolving own executable path: %w", err)
	}
	digest, err = HashFile(path)
	if err != nil {
		return "", "", fmt.Errorf("hashing own binary: %w", err)
	}
	return digest, path, nil
}

// Short12 abbreviates a digest for log lines and metric labels.
func Short12(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}
