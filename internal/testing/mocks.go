// Package testing provides mocks and fixtures shared by the engine's tests.
package testing

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/First008/codeindex/internal/shell"
)

// MockExec is a scripted shell.Exec: each command is matched against the
// registered handlers in order, first prefix match wins.
type MockExec struct {
	mu       sync.Mutex
	handlers []execHandler

	// Commands records every command run, in order.
	Commands []string
}

type execHandler struct {
	prefix string
	fn     func(cmd string) (shell.Result, error)
}

// NewMockExec creates an empty MockExec; unmatched commands fail with exit
// code 127.
func NewMockExec() *MockExec {
	return &MockExec{}
}

// Handle registers a handler for commands starting with prefix.
func (m *MockExec) Handle(prefix string, fn func(cmd string) (shell.Result, error)) *MockExec {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, execHandler{prefix: prefix, fn: fn})
	return m
}

// Stub registers a fixed stdout response for commands starting with prefix.
func (m *MockExec) Stub(prefix, stdout string) *MockExec {
	return m.Handle(prefix, func(string) (shell.Result, error) {
		return shell.Result{Stdout: stdout}, nil
	})
}

// StubFail registers a failing response for commands starting with prefix.
func (m *MockExec) StubFail(prefix string, exitCode int, stderr string) *MockExec {
	return m.Handle(prefix, func(string) (shell.Result, error) {
		return shell.Result{ExitCode: exitCode, Stderr: stderr}, nil
	})
}

// Run implements shell.Exec.
func (m *MockExec) Run(ctx context.Context, cmd string) (shell.Result, error) {
	m.mu.Lock()
	m.Commands = append(m.Commands, cmd)
	handlers := make([]execHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	for _, h := range handlers {
		if strings.HasPrefix(cmd, h.prefix) {
			return h.fn(cmd)
		}
	}
	return shell.Result{ExitCode: 127, Stderr: "command not stubbed: " + cmd}, nil
}

// MockEmbeddingProvider returns deterministic vectors derived from the input
// text, so identical inputs always embed identically.
type MockEmbeddingProvider struct {
	// Dimensions is the vector size to produce (default 8).
	Dimensions int

	// Err, when set, is returned from every call.
	Err error

	mu sync.Mutex

	// Calls counts Embed invocations.
	Calls int

	// Inputs records every batch of inputs received.
	Inputs [][]string
}

// Embed implements embeddings.Provider.
func (m *MockEmbeddingProvider) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	m.mu.Lock()
	m.Calls++
	m.Inputs = append(m.Inputs, append([]string(nil), inputs...))
	m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}

	dims := m.Dimensions
	if dims <= 0 {
		dims = 8
	}
	vectors := make([][]float32, len(inputs))
	for i, input := range inputs {
		h := fnv.New32a()
		fmt.Fprint(h, input)
		seed := h.Sum32()
		vec := make([]float32, dims)
		for d := range vec {
			seed = seed*1664525 + 1013904223
			vec[d] = float32(seed%1000) / 1000
		}
		vectors[i] = vec
	}
	return vectors, nil
}

// EmbedCallCount returns how many Embed calls were made.
func (m *MockEmbeddingProvider) EmbedCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls
}

// NewTestLogger returns a disabled logger for quiet tests.
func NewTestLogger() zerolog.Logger {
	return zerolog.Nop()
}
