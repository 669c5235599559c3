// SPDX-License-Identifier: MIT

// Package scratch manages the transient filesystem area where in-progress
// media lives. Every job gets its own directory namespaced by job ID, and a
// Guard ties the directory's lifetime to the job so cleanup happens on every
// exit path, success or failure.
package scratch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/embedbot/ingest/internal/log"
)

// Manager hands out per-job scratch directories under a single root.
type Manager struct {
	root string
}

// NewManager creates (if needed) the scratch root and returns a manager.
func NewManager(root string) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("scratch root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create scratch root: %w", err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute scratch root.
func (m *Manager) Root() string { return m.root }

// Dir creates the scratch directory for the given job and returns a Guard
// that removes it. Job IDs must be path-safe; anything that would escape
// the root is rejected.
func (m *Manager) Dir(jobID string) (*Guard, error) {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || strings.Contains(jobID, "..") {
		return nil, fmt.Errorf("unsafe job id %q", jobID)
	}
	dir := filepath.Join(m.root, jobID)
	confined, err := Confine(m.root, dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(confined, 0o750); err != nil {
		return nil, fmt.Errorf("create job scratch dir: %w", err)
	}
	return &Guard{path: confined}, nil
}

// Confine verifies that target stays within root after cleaning, guarding
// against traversal through crafted identifiers.
func Confine(root, target string) (string, error) {
	cleaned := filepath.Clean(target)
	rel, err := filepath.Rel(root, cleaned)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes scratch root", target)
	}
	return cleaned, nil
}

// Guard owns one job's scratch directory until released.
type Guard struct {
	path     string
	released sync.Once
}

// Path returns the guarded directory.
func (g *Guard) Path() string { return g.path }

// Release removes the directory and everything beneath it. Safe to call
// more than once; only the first call acts.
func (g *Guard) Release() {
	g.released.Do(func() {
		if err := os.RemoveAll(g.path); err != nil {
			logger := log.WithComponent("scratch")
			logger.Warn().
				Err(err).
				Str("path", g.path).
				Msg("failed to remove scratch directory")
		}
	})
}
