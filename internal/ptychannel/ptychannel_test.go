package ptychannel

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestChannelStreamsOutputAndExit(t *testing.T) {
	c := New("t1")

	var mu sync.Mutex
	var out strings.Builder
	outputDone := make(chan struct{})
	c.OnOutput = func(b []byte) {
		mu.Lock()
		out.Write(b)
		mu.Unlock()
	}
	exitCode := make(chan int, 1)
	c.OnExit = func(code int) {
		exitCode <- code
		close(outputDone)
	}

	if err := c.Start("/bin/sh", []string{"-c", "echo hello-pty"}, nil, "", 80, 24); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case code := <-exitCode:
		if code != 0 {
			t.Errorf("exit code = %d, want 0", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit")
	}

	mu.Lock()
	got := out.String()
	mu.Unlock()
	if !strings.Contains(got, "hello-pty") {
		t.Errorf("output = %q, want to contain %q", got, "hello-pty")
	}
}

func TestChannelWriteAfterExitIsDiscarded(t *testing.T) {
	c := New("t2")
	done := make(chan struct{})
	c.OnExit = func(int) { close(done) }

	if err := c.Start("/bin/sh", []string{"-c", "exit 0"}, nil, "", 80, 24); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit")
	}

	// Must not panic or block.
	c.Write([]byte("too late"))
}

func TestChannelNonZeroExitCode(t *testing.T) {
	c := New("t3")
	exitCode := make(chan int, 1)
	c.OnExit = func(code int) { exitCode <- code }

	if err := c.Start("/bin/sh", []string{"-c", "exit 7"}, nil, "", 80, 24); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case code := <-exitCode:
		if code != 7 {
			t.Errorf("exit code = %d, want 7", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit")
	}
}
