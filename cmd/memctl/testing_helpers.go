package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeScript writes a workload script to a temp file and returns its path
func writeScript(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workload.txt")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}

// withFlags resets the global flags to their defaults for one test
func withFlags(t *testing.T) {
	t.Helper()
	saved := []any{verbose, quiet, jsonOut, logOut, memSize, frameSize, minArenaPages, reclaimShrink, runDump}
	verbose, quiet, jsonOut, logOut = false, false, false, false
	memSize, frameSize, minArenaPages, reclaimShrink = 16<<20, 4096, 16, false
	runDump = false
	t.Cleanup(func() {
		verbose, quiet, jsonOut, logOut = saved[0].(bool), saved[1].(bool), saved[2].(bool), saved[3].(bool)
		memSize, frameSize = saved[4].(uint64), saved[5].(int)
		minArenaPages, reclaimShrink = saved[6].(int), saved[7].(bool)
		runDump = saved[8].(bool)
	})
}

// captureOutput captures stdout while running a function
func captureOutput(t *testing.T, fn func() error) (string, error) {
	t.Helper()

	origStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("failed to create pipe: %v", err)
	}
	os.Stdout = w

	done := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r)
		done <- buf.String()
	}()

	fnErr := fn()

	w.Close()
	os.Stdout = origStdout
	return <-done, fnErr
}

// assertJSON checks that output is valid JSON
func assertJSON(t *testing.T, output string) {
	t.Helper()
	var result interface{}
	if err := json.Unmarshal([]byte(output), &result); err != nil {
		t.Errorf("invalid JSON output: %v\nOutput: %s", err, output)
	}
}

// assertContains checks that output contains all expected strings
func assertContains(t *testing.T, output string, expected []string) {
	t.Helper()
	for _, want := range expected {
		if !strings.Contains(output, want) {
			t.Errorf("output missing expected string %q\nGot: %s", want, output)
		}
	}
}
