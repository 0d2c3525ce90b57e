// Package agent implements the reference compute backend: a small HTTP
// service that accepts a bundle to run, executes it, and surfaces
// completions for the worker's HTTPMachine client to poll. It exists so the
// worker core has something real to drive end to end; operators with their
// own execution substrate implement machine.Machine directly instead.
package agent

import (
	"crypto/rand"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Config holds this agent process's identity and runtime settings.
type Config struct {
	NodeID  string
	OS      string
	Arch    string
	Port    int
	BaseDir string // scratch root under which per-bundle temp dirs are created
}

// LoadConfig initializes the agent configuration, generating or reusing a
// persisted NodeID the same way across restarts.
func LoadConfig(port int, baseDir string) *Config {
	nodeID, err := getOrCreateNodeID()
	if err != nil {
		log.Fatalf("[agent] failed to initialize node id: %v", err)
	}

	return &Config{
		NodeID:  nodeID,
		OS:      runtime.GOOS,
		Arch:    runtime.GOARCH,
		Port:    port,
		BaseDir: baseDir,
	}
}

// getOrCreateNodeID retrieves the existing node id or generates a new one,
// persisting it to ~/.bundleworker/node_id.
func getOrCreateNodeID() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	configDir := filepath.Join(homeDir, ".bundleworker")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	nodeIDPath := filepath.Join(configDir, "node_id")

	data, err := os.ReadFile(nodeIDPath)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	newID := generateUUID()
	if err := os.WriteFile(nodeIDPath, []byte(newID), 0600); err != nil {
		return "", fmt.Errorf("failed to save node id to %s: %w", nodeIDPath, err)
	}
	return newID, nil
}

func generateUUID() string {
	b := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		log.Fatalf("[agent] failed to generate random node id: %v", err)
	}
	b[8] = b[8]&0x3f | 0x80
	b[6] = b[6]&0x0f | 0x40
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}
