package worker

import (
	"bytes"
	"os/exec"
	"sync"
	"time"
)

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (Python logs)
// so crash information is not lost if a worker dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *LogBuffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe.
// It prepares the command for execution but does not start it.
func NewSafeCommand(name string, args ...string) *SafeCommand {
	cmd := exec.Command(name, args...)
	stderr := &LogBuffer{limit: 64 << 10}
	cmd.Stderr = stderr
	// Bounds Wait when a killed child left descendants holding stderr.
	cmd.WaitDelay = 2 * time.Second
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// LogBuffer keeps the most recent output of a child process.
type LogBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(p)
	if over := b.buf.Len() - b.limit; over > 0 {
		b.buf.Next(over)
	}
	return len(p), nil
}

func (b *LogBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
