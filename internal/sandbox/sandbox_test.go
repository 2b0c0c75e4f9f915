package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestRunHappyPathExitZero(t *testing.T) {
	script := []byte("#!/bin/sh\necho hello\nexit 0\n")
	r := New(nil)
	result := r.Run(context.Background(), Request{
		TaskID:       1,
		ScriptBody:   script,
		ScriptSHA256: sha256Hex(script),
		Limits:       Limits{Timeout: 5 * time.Second, OutputBytes: 1 << 16, WorkspaceBytes: 1 << 20},
	})
	assert.Equal(t, 0, result.ExitCode)
	assert.Empty(t, result.Reason)
	assert.Equal(t, sha256Hex([]byte("hello\n")), result.StdoutSHA256)
}

func TestRunNonZeroExit(t *testing.T) {
	script := []byte("#!/bin/sh\nexit 3\n")
	r := New(nil)
	result := r.Run(context.Background(), Request{
		TaskID:       2,
		ScriptBody:   script,
		ScriptSHA256: sha256Hex(script),
		Limits:       Limits{Timeout: 5 * time.Second, OutputBytes: 1 << 16, WorkspaceBytes: 1 << 20},
	})
	assert.Equal(t, 3, result.ExitCode)
	assert.Empty(t, result.Reason)
}

func TestRunHashMismatchNeverExecutes(t *testing.T) {
	script := []byte("#!/bin/sh\nexit 0\n")
	r := New(nil)
	result := r.Run(context.Background(), Request{
		TaskID:       3,
		ScriptBody:   script,
		ScriptSHA256: "not-the-real-hash",
		Limits:       Limits{Timeout: 5 * time.Second},
	})
	assert.Equal(t, "hash_mismatch", result.Reason)
	assert.Equal(t, 0, result.ExitCode)
	assert.Empty(t, result.StdoutSHA256, "verify runs before anything is captured")
}

func TestRunTimeoutEnforced(t *testing.T) {
	script := []byte("#!/bin/sh\nsleep 5\n")
	r := New(nil)
	start := time.Now()
	result := r.Run(context.Background(), Request{
		TaskID:       4,
		ScriptBody:   script,
		ScriptSHA256: sha256Hex(script),
		Limits:       Limits{Timeout: 200 * time.Millisecond, OutputBytes: 1 << 16, WorkspaceBytes: 1 << 20},
	})
	assert.Less(t, time.Since(start), 4*time.Second, "the wall-clock cap must kill the script long before it would exit on its own")
	assert.Equal(t, "timeout", result.Reason)
	assert.Equal(t, -1, result.ExitCode)
}

func TestRunOutputByteCapDoesNotAbortTheRun(t *testing.T) {
	script := []byte("#!/bin/sh\ni=0\nwhile [ $i -lt 2000 ]; do echo \"line of filler output to blow past a tiny cap\"; i=$((i+1)); done\nexit 0\n")
	r := New(nil)
	result := r.Run(context.Background(), Request{
		TaskID:       5,
		ScriptBody:   script,
		ScriptSHA256: sha256Hex(script),
		Limits:       Limits{Timeout: 10 * time.Second, OutputBytes: 10, WorkspaceBytes: 1 << 20},
	})
	assert.Equal(t, "output_overflow", result.Reason)
	assert.Equal(t, 0, result.ExitCode, "the process still runs to completion, only the captured buffer is capped")
}

func TestRunOutputByteCapIsSharedAcrossStdoutAndStderr(t *testing.T) {
	// Each stream alone writes well under the cap; only combined do they
	// exceed it, so this only passes if stdout and stderr draw from one
	// shared budget rather than each getting their own full cap.
	script := []byte("#!/bin/sh\nprintf '%060d' 0\nprintf '%060d' 0 1>&2\nexit 0\n")
	r := New(nil)
	result := r.Run(context.Background(), Request{
		TaskID:       10,
		ScriptBody:   script,
		ScriptSHA256: sha256Hex(script),
		Limits:       Limits{Timeout: 5 * time.Second, OutputBytes: 100, WorkspaceBytes: 1 << 20},
	})
	assert.Equal(t, "output_overflow", result.Reason)
	assert.Equal(t, 0, result.ExitCode)
}

func TestRunWorkspaceByteCapKillsTheProcess(t *testing.T) {
	script := []byte("#!/bin/sh\ndd if=/dev/zero of=bigfile bs=1024 count=4096 2>/dev/null\nsleep 3\nexit 0\n")
	r := New(nil)
	result := r.Run(context.Background(), Request{
		TaskID:       6,
		ScriptBody:   script,
		ScriptSHA256: sha256Hex(script),
		Limits:       Limits{Timeout: 10 * time.Second, OutputBytes: 1 << 16, WorkspaceBytes: 64 * 1024},
	})
	assert.Equal(t, "workspace_overflow", result.Reason)
	assert.Equal(t, -1, result.ExitCode)
}

func TestRunParsesStructuredResult(t *testing.T) {
	script := []byte(`#!/bin/sh
echo '{"processed":7}' > result.json
exit 0
`)
	r := New(nil)
	result := r.Run(context.Background(), Request{
		TaskID:       7,
		ScriptBody:   script,
		ScriptSHA256: sha256Hex(script),
		Limits:       Limits{Timeout: 5 * time.Second, OutputBytes: 1 << 16, WorkspaceBytes: 1 << 20},
	})
	assert.JSONEq(t, `{"processed":7}`, string(result.Structured))
}

func TestRunMalformedStructuredResultSetsParseErrorReason(t *testing.T) {
	script := []byte(`#!/bin/sh
echo 'not json' > result.json
exit 0
`)
	r := New(nil)
	result := r.Run(context.Background(), Request{
		TaskID:       8,
		ScriptBody:   script,
		ScriptSHA256: sha256Hex(script),
		Limits:       Limits{Timeout: 5 * time.Second, OutputBytes: 1 << 16, WorkspaceBytes: 1 << 20},
	})
	assert.Equal(t, "parse_error", result.Reason)
}

func TestRunTimeoutKillsForkedGrandchildToo(t *testing.T) {
	marker, err := os.CreateTemp("", "sandbox-grandchild-marker-")
	if err != nil {
		t.Fatal(err)
	}
	markerPath := marker.Name()
	marker.Close()
	os.Remove(markerPath)
	defer os.Remove(markerPath)

	// The script backgrounds a grandchild that outlives the immediate
	// child; if only the child were killed on timeout, the grandchild
	// would still create markerPath half a second later.
	script := []byte("#!/bin/sh\n(sleep 0.5; touch " + markerPath + ") &\nsleep 5\n")
	r := New(nil)
	result := r.Run(context.Background(), Request{
		TaskID:       11,
		ScriptBody:   script,
		ScriptSHA256: sha256Hex(script),
		Limits:       Limits{Timeout: 200 * time.Millisecond, OutputBytes: 1 << 16, WorkspaceBytes: 1 << 20},
	})
	assert.Equal(t, "timeout", result.Reason)

	time.Sleep(700 * time.Millisecond)
	_, err = os.Stat(markerPath)
	assert.True(t, os.IsNotExist(err), "the backgrounded grandchild must be killed with the process group, not left running past timeout")
}

func TestRunUsesACleanWorkspacePerCall(t *testing.T) {
	script := []byte("#!/bin/sh\n[ -e leftover ] && exit 9\ntouch leftover\nexit 0\n")
	r := New(nil)
	for i := 0; i < 2; i++ {
		result := r.Run(context.Background(), Request{
			TaskID:       9,
			ScriptBody:   script,
			ScriptSHA256: sha256Hex(script),
			Limits:       Limits{Timeout: 5 * time.Second, OutputBytes: 1 << 16, WorkspaceBytes: 1 << 20},
		})
		assert.Equal(t, 0, result.ExitCode, "each run gets a fresh workspace directory, so 'leftover' never survives across calls")
	}
}
