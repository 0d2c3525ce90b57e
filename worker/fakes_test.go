package worker_test

import (
	"context"
	"fmt"
	"sync"

	"github.com/itskum47/bundleworker/bundle"
	"github.com/itskum47/bundleworker/machine"
)

// fakeMachine is a Machine test double whose per-bundle behavior is
// configurable via startHook, so scenarios can simulate an instant-success
// backend, a launch-rejecting backend, or one that raises on Start.
type fakeMachine struct {
	mu          sync.Mutex
	startCalls  []string
	killCalls   []string
	completions []machine.PollResult
	startHook   func(uuid string) (machine.LaunchResult, error)
	killResult  map[string]bool
}

func newFakeMachine() *fakeMachine {
	return &fakeMachine{killResult: make(map[string]bool)}
}

func (f *fakeMachine) Start(ctx context.Context, b *bundle.Bundle, parents map[string]*bundle.Bundle) (machine.LaunchResult, error) {
	f.mu.Lock()
	f.startCalls = append(f.startCalls, b.UUID)
	hook := f.startHook
	f.mu.Unlock()
	if hook != nil {
		return hook(b.UUID)
	}
	return machine.LaunchAccepted, nil
}

func (f *fakeMachine) Poll(ctx context.Context) (*machine.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.completions) == 0 {
		return nil, nil
	}
	r := f.completions[0]
	f.completions = f.completions[1:]
	return &r, nil
}

func (f *fakeMachine) Kill(ctx context.Context, uuid string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killCalls = append(f.killCalls, uuid)
	return f.killResult[uuid], nil
}

func (f *fakeMachine) Finalize(ctx context.Context, uuid string) error { return nil }

// complete enqueues a completion fakeMachine.Poll will surface on its next
// call, the same non-blocking contract the Finalizer depends on.
func (f *fakeMachine) complete(uuid string, success bool, tempDir string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions = append(f.completions, machine.PollResult{BundleUUID: uuid, Success: success, TempDir: tempDir})
}

func (f *fakeMachine) startCallCount(uuid string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, u := range f.startCalls {
		if u == uuid {
			n++
		}
	}
	return n
}

// fakeBlobStore is a BlobStore test double that hands back an
// incrementing hash per upload and remembers which tempDir produced it, so
// bundle.InstallDependencies can resolve parents without touching a real
// content-addressed store.
type fakeBlobStore struct {
	mu     sync.Mutex
	nextID int
	byHash map[string]string
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{byHash: make(map[string]string)}
}

func (f *fakeBlobStore) Upload(ctx context.Context, tempDir string) (string, map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	hash := fmt.Sprintf("hash-%d", f.nextID)
	f.byHash[hash] = tempDir
	return hash, map[string]string{"file_count": "0"}, nil
}

func (f *fakeBlobStore) PathForHash(hash string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.byHash[hash]
	if !ok {
		return "", fmt.Errorf("fakeBlobStore: hash %s not found", hash)
	}
	return p, nil
}
