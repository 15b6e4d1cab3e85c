// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"testing"
)

func TestInfoMarksDirtyBuilds(t *testing.T) {
	saved := []string{Version, GitCommit, GitDirty, BuildTime}
	t.Cleanup(func() { Version, GitCommit, GitDirty, BuildTime = saved[0], saved[1], saved[2], saved[3] })

	Version, GitCommit, GitDirty, BuildTime = "1.2.3", "abc1234", "true", "2026-10-01T00:00:00Z"
	if got, want := Info(), "1.2.3 (abc1234-dirty, 2026-10-01T00:00:00Z)"; got != want {
		t.Fatalf("Info() = %q, want %q", got, want)
	}
	GitDirty = "false"
	if got := Info(); strings.Contains(got, "dirty") {
		t.Fatalf("Info() = %q for a clean build", got)
	}
	if !strings.HasPrefix(Full(), Info()+"\n  Go: ") {
		t.Fatalf("Full() = %q", Full())
	}
	if Short() != "1.2.3" || Commit() != "abc1234" {
		t.Fatalf("Short() = %q, Commit() = %q", Short(), Commit())
	}
}

func TestFillFromBuildSettings(t *testing.T) {
	saved := []string{GitCommit, GitDirty, BuildTime}
	t.Cleanup(func() { GitCommit, GitDirty, BuildTime = saved[0], saved[1], saved[2] })

	fillFromBuildSettings([]debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef0123"},
		{Key: "vcs.modified", Value: "true"},
		{Key: "vcs.time", Value: "2026-10-19T08:00:00Z"},
		{Key: "GOOS", Value: "linux"},
	})
	if GitCommit != "0123456789ab" || GitDirty != "true" || BuildTime != "2026-10-19T08:00:00Z" {
		t.Fatalf("got commit=%q dirty=%q time=%q", GitCommit, GitDirty, BuildTime)
	}
}

func TestHashFile(t *testing.T) {
	directory := t.TempDir()
	first := filepath.Join(directory, "a")
	second := filepath.Join(directory, "b")
	third := filepath.Join(directory, "c")
	for path, content := range map[string]string{first: "beacon", second: "beacon", third: "beacon!"} {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	digestA, err := HashFile(first)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if len(digestA) != 64 {
		t.Fatalf("digest length = %d, want 64 hex characters", len(digestA))
	}
	digestB, _ := HashFile(second)
	digestC, _ := HashFile(third)
	if digestA != digestB {
		t.Error("identical content produced different digests")
	}
	if digestA == digestC {
		t.Error("different content produced the same digest")
	}
	if _, err := HashFile(filepath.Join(directory, "missing")); err == nil {
		t.Error("HashFile on a missing file succeeded")
	}
}

func TestSelfDigest(t *testing.T) {
	digest, path, err := SelfDigest()
	if err != nil {
		t.Fatalf("SelfDigest: %v", err)
	}
	if !filepath.IsAbs(path) {
		t.Errorf("path %q is not absolute", path)
	}
	if again, _ := HashFile(path); again != digest {
		t.Errorf("SelfDigest = %s, HashFile = %s", digest, again)
	}
	if got := Short12(digest); len(got) != 12 || !strings.HasPrefix(digest, got) {
		t.Errorf("Short12 = %q", got)
	}
}
