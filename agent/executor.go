package agent

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

// Executor runs bundles accepted by Server and buffers their completions
// for Poll to drain, mirroring the worker-side Machine.poll() contract: a
// backend surfaces finished work asynchronously rather than blocking the
// caller that started it.
type Executor struct {
	cfg *Config

	mu      sync.Mutex
	running map[string]context.CancelFunc
	done    []Completion
}

// Completion is one finished (or failed) bundle awaiting Poll.
type Completion struct {
	BundleUUID string
	Success    bool
	TempDir    string
}

// NewExecutor creates an Executor rooted at cfg.BaseDir.
func NewExecutor(cfg *Config) *Executor {
	return &Executor{cfg: cfg, running: make(map[string]context.CancelFunc)}
}

// Start begins executing uuid asynchronously. kind selects between running
// an arbitrary shell command (RunBundle, read from command) and composing a
// result purely from already-resolved dependencies (MakeBundle, which never
// shells out). It returns false if uuid is already running here.
func (e *Executor) Start(uuid, kind, command string) bool {
	e.mu.Lock()
	if _, exists := e.running[uuid]; exists {
		e.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.running[uuid] = cancel
	e.mu.Unlock()

	go e.run(ctx, uuid, kind, command)
	return true
}

func (e *Executor) run(ctx context.Context, uuid, kind, command string) {
	tempDir := filepath.Join(e.cfg.BaseDir, uuid)
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		log.Printf("[agent] ❌ failed to create scratch dir for %s: %v", uuid, err)
		e.finish(uuid, false, tempDir)
		return
	}

	success := true
	switch kind {
	case "run":
		success = e.runCommand(ctx, uuid, tempDir, command)
	case "make":
		// MakeBundle composes a result from already-resolved dependency
		// output; the worker installs those as symlinks when it finalizes
		// the bundle (see worker/finalizer.go), so there is nothing for
		// the backend to execute. The worker's Launcher finalizes
		// MakeBundles itself and never sends them here.
	default:
		log.Printf("[agent] ⚠️ unknown bundle kind %q for %s, treating as no-op", kind, uuid)
	}

	e.finish(uuid, success, tempDir)
}

func (e *Executor) runCommand(ctx context.Context, uuid, tempDir, command string) bool {
	log.Printf("[agent] executing %s: %s", uuid, command)

	stdoutPath := filepath.Join(tempDir, "stdout.log")
	stderrPath := filepath.Join(tempDir, "stderr.log")
	stdout, err := os.Create(stdoutPath)
	if err != nil {
		log.Printf("[agent] ❌ failed to create stdout log for %s: %v", uuid, err)
		return false
	}
	defer stdout.Close()
	stderr, err := os.Create(stderrPath)
	if err != nil {
		log.Printf("[agent] ❌ failed to create stderr log for %s: %v", uuid, err)
		return false
	}
	defer stderr.Close()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = tempDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		fmt.Fprintf(stderr, "\nexecution error: %v\n", err)
		return false
	}
	return true
}

func (e *Executor) finish(uuid string, success bool, tempDir string) {
	e.mu.Lock()
	delete(e.running, uuid)
	e.done = append(e.done, Completion{BundleUUID: uuid, Success: success, TempDir: tempDir})
	e.mu.Unlock()
}

// PollOne returns and removes the oldest buffered completion, if any.
func (e *Executor) PollOne() (Completion, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.done) == 0 {
		return Completion{}, false
	}
	c := e.done[0]
	e.done = e.done[1:]
	return c, true
}

// Kill cancels a running bundle's execution, reporting whether it was
// actually running here.
func (e *Executor) Kill(uuid string) bool {
	e.mu.Lock()
	cancel, ok := e.running[uuid]
	e.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// Finalize removes a bundle's scratch directory. Safe to call once the
// worker has durably recorded the bundle's terminal state and uploaded any
// artifact it needed from tempDir.
func (e *Executor) Finalize(uuid string) error {
	return os.RemoveAll(filepath.Join(e.cfg.BaseDir, uuid))
}
