// SPDX-License-Identifier: MPL-2.0

package fetch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

type (
	// Command describes one downloader invocation.
	Command struct {
		Path string
		Args []string
		Dir  string
		Env  []string // appended to the inherited environment
	}

	// Handle supervises one running downloader process. Lines delivers the
	// merged stdout/stderr output line by line and is closed when both
	// streams end; Wait must be called exactly once after that.
	Handle interface {
		Lines() <-chan string
		Wait() error
		Kill() error
	}

	// Runner launches downloader processes. The production implementation
	// wraps os/exec; tests substitute scripted runners.
	Runner interface {
		Start(ctx context.Context, cmd Command) (Handle, error)
	}

	// execRunner is the os/exec-backed Runner.
	execRunner struct{}

	// execHandle supervises a started exec.Cmd.
	execHandle struct {
		cmd   *exec.Cmd
		lines chan string
		done  chan error
	}
)

// NewExecRunner returns the Runner that launches real OS processes.
func NewExecRunner() Runner {
	return execRunner{}
}

// lineChannelBuffer bounds how far the downloader's output can run ahead of
// the parser before writes block.
const lineChannelBuffer = 256

func (execRunner) Start(ctx context.Context, c Command) (Handle, error) {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("piping downloader stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("piping downloader stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting downloader %s: %w", c.Path, err)
	}

	h := &execHandle{
		cmd:   cmd,
		lines: make(chan string, lineChannelBuffer),
		done:  make(chan error, 1),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go h.scan(stdout, &wg)
	go h.scan(stderr, &wg)
	go func() {
		wg.Wait()
		close(h.lines)
		h.done <- cmd.Wait()
	}()

	return h, nil
}

func (h *execHandle) scan(r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		h.lines <- scanner.Text()
	}
}

func (h *execHandle) Lines() <-chan string { return h.lines }

func (h *execHandle) Wait() error { return <-h.done }

func (h *execHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}
