// Package sandboxtest provides a scriptable in-memory sandbox.Backend.
package sandboxtest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/michaelbrown/quiche/internal/sandbox"
)

// ErrKilled is returned by Process.Wait after Kill.
var ErrKilled = errors.New("killed")

// Process is a fake program. A Script drives its output and exit.
type Process struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter
	lines   *bufio.Reader

	exit     chan int
	killed   chan struct{}
	killOnce sync.Once
	exitOnce sync.Once
}

func NewProcess() *Process {
	p := &Process{exit: make(chan int, 1), killed: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	p.lines = bufio.NewReader(p.stdinR)
	return p
}

func (p *Process) Stdin() io.WriteCloser { return p.stdinW }
func (p *Process) Stdout() io.Reader     { return p.stdoutR }
func (p *Process) Stderr() io.Reader     { return p.stderrR }

func (p *Process) Wait(ctx context.Context) (int, error) {
	select {
	case code := <-p.exit:
		return code, nil
	case <-p.killed:
		return -1, ErrKilled
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (p *Process) Kill() {
	p.killOnce.Do(func() {
		close(p.killed)
		p.stdoutW.Close()
		p.stderrW.Close()
		p.stdinR.Close()
	})
}

// Killed is closed once Kill has been called.
func (p *Process) Killed() <-chan struct{} { return p.killed }

// Print writes s to stdout.
func (p *Process) Print(s string) { io.WriteString(p.stdoutW, s) }

// PrintErr writes s to stderr.
func (p *Process) PrintErr(s string) { io.WriteString(p.stderrW, s) }

// ReadLine reads one line of stdin, without the newline.
func (p *Process) ReadLine() (string, error) {
	line, err := p.lines.ReadString('\n')
	if err != nil {
		return "", err
	}
	return line[:len(line)-1], nil
}

// Exit closes the output streams and ends the process with code.
func (p *Process) Exit(code int) {
	p.exitOnce.Do(func() {
		p.stdoutW.Close()
		p.stderrW.Close()
		p.exit <- code
	})
}

// Script plays the program started with argv.
type Script func(argv []string, p *Process)

// Backend records calls and runs Script for every interactive exec.
// Fields other than the mutex-guarded records may be set before use.
type Backend struct {
	Script       Script
	StartErr     error
	PanicOnStart bool
	CopyErr      error
	ExecResult   sandbox.ExecResult
	ExecErr      error

	mu        sync.Mutex
	mounts    []string
	copies    []string
	execs     [][]string
	live      map[string]bool
	maxLive   int
	stopCalls int
	seq       int
}

func (b *Backend) Start(_ context.Context, mountDir string) (*sandbox.Instance, error) {
	if b.PanicOnStart {
		panic("backend exploded")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.mounts = append(b.mounts, mountDir)
	if _, err := os.Stat(mountDir); err != nil {
		return nil, fmt.Errorf("mount dir: %w", err)
	}
	if b.StartErr != nil {
		return nil, b.StartErr
	}
	b.seq++
	inst := &sandbox.Instance{ID: fmt.Sprintf("c%d", b.seq), Name: fmt.Sprintf("quiche-test-%d", b.seq)}
	if b.live == nil {
		b.live = make(map[string]bool)
	}
	b.live[inst.ID] = true
	if n := len(b.live); n > b.maxLive {
		b.maxLive = n
	}
	return inst, nil
}

func (b *Backend) Exec(_ context.Context, _ *sandbox.Instance, argv []string) (*sandbox.ExecResult, error) {
	b.mu.Lock()
	b.execs = append(b.execs, argv)
	b.mu.Unlock()
	if b.ExecErr != nil {
		return nil, b.ExecErr
	}
	res := b.ExecResult
	return &res, nil
}

func (b *Backend) ExecInteractive(_ context.Context, _ *sandbox.Instance, argv []string) (sandbox.Process, error) {
	p := NewProcess()
	script := b.Script
	if script == nil {
		script = func(_ []string, p *Process) { p.Exit(0) }
	}
	go script(argv, p)
	return p, nil
}

func (b *Backend) CopyFile(_ context.Context, _ *sandbox.Instance, _, dst string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.copies = append(b.copies, dst)
	return b.CopyErr
}

func (b *Backend) Stop(_ context.Context, inst *sandbox.Instance) {
	if inst == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopCalls++
	delete(b.live, inst.ID)
}

// Mounts returns every directory passed to Start.
func (b *Backend) Mounts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.mounts...)
}

// Copies returns every CopyFile destination.
func (b *Backend) Copies() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.copies...)
}

// Execs returns the argv of every buffered Exec.
func (b *Backend) Execs() [][]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]string(nil), b.execs...)
}

// Live is the number of started, not yet stopped instances.
func (b *Backend) Live() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.live)
}

// MaxLive is the most instances that were ever live at once.
func (b *Backend) MaxLive() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxLive
}
