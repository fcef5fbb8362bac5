package relay

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/michaelbrown/quiche/internal/channel/channeltest"
)

// fakeProcess is a program whose streams are driven by the test.
type fakeProcess struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	exit   chan int
	killed chan struct{}
	once   sync.Once
}

func newFakeProcess() *fakeProcess {
	p := &fakeProcess{exit: make(chan int, 1), killed: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *fakeProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *fakeProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *fakeProcess) Stderr() io.Reader     { return p.stderrR }

func (p *fakeProcess) Wait(ctx context.Context) (int, error) {
	select {
	case code := <-p.exit:
		return code, nil
	case <-p.killed:
		return -1, fmt.Errorf("killed")
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (p *fakeProcess) Kill() {
	p.once.Do(func() {
		close(p.killed)
		p.closeOutput()
		p.stdinR.Close()
	})
}

func (p *fakeProcess) closeOutput() {
	p.stdoutW.Close()
	p.stderrW.Close()
}

// finish closes the output streams and exits with code.
func (p *fakeProcess) finish(code int) {
	p.closeOutput()
	p.exit <- code
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Timeout = 2 * time.Second
	return opts
}

func TestRunForwardsStdoutAndStderr(t *testing.T) {
	rec := channeltest.NewRecorder("c1")
	proc := newFakeProcess()
	r := New(testOptions(), zap.NewNop())

	go func() {
		io.WriteString(proc.stdoutW, "hello\n")
		io.WriteString(proc.stderrW, "oops\n")
		proc.finish(3)
	}()

	out, err := r.Run(context.Background(), proc, rec, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if out.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", out.ExitCode)
	}
	if rec.Count("hello\n") != 1 {
		t.Errorf("texts = %q, want stdout line", rec.Texts())
	}
	if rec.Count("[stderr] oops\n") != 1 {
		t.Errorf("texts = %q, want prefixed stderr line", rec.Texts())
	}
}

func TestRunFlushesPromptWithoutNewline(t *testing.T) {
	rec := channeltest.NewRecorder("c1")
	proc := newFakeProcess()
	r := New(testOptions(), zap.NewNop())

	go func() {
		io.WriteString(proc.stdoutW, "Name: ")
		line, _ := bufio.NewReader(proc.stdinR).ReadString('\n')
		io.WriteString(proc.stdoutW, "hi "+line)
		proc.finish(0)
	}()
	go func() {
		if rec.WaitText("Name: ", time.Second) {
			rec.Say("u1", "ada")
		}
	}()

	if _, err := r.Run(context.Background(), proc, rec, "u1"); err != nil {
		t.Fatal(err)
	}
	if rec.Count("hi ada\n") != 1 {
		t.Errorf("texts = %q, want echoed input", rec.Texts())
	}
}

func TestRunSplitsOversizedOutput(t *testing.T) {
	rec := channeltest.NewRecorder("c1")
	proc := newFakeProcess()
	opts := testOptions()
	opts.MaxMessageSize = 100
	r := New(opts, zap.NewNop())

	go func() {
		io.WriteString(proc.stdoutW, strings.Repeat("x", 250))
		proc.finish(0)
	}()

	if _, err := r.Run(context.Background(), proc, rec, "u1"); err != nil {
		t.Fatal(err)
	}
	total := 0
	for _, text := range rec.Texts() {
		if len(text) > 100 {
			t.Errorf("message of %d bytes exceeds ceiling", len(text))
		}
		total += len(text)
	}
	if total != 250 {
		t.Errorf("forwarded %d bytes, want 250", total)
	}
}

func TestRunCapsMessagesWithSingleNotice(t *testing.T) {
	rec := channeltest.NewRecorder("c1")
	proc := newFakeProcess()
	r := New(testOptions(), zap.NewNop())

	go func() {
		for i := 0; i < 40; i++ {
			fmt.Fprintf(proc.stdoutW, "out %d\n", i)
			fmt.Fprintf(proc.stderrW, "err %d\n", i)
		}
		proc.finish(0)
	}()

	out, err := r.Run(context.Background(), proc, rec, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if n := rec.Count(TruncatedNotice); n != 1 {
		t.Errorf("truncation notices = %d, want 1", n)
	}
	if got := len(rec.Texts()); got != 16 {
		t.Errorf("sent %d texts, want 15 plus notice", got)
	}
	if !out.Truncated || out.Messages != 15 {
		t.Errorf("outcome = %+v, want truncated after 15", out)
	}
}

func TestRunExitCommandKillsProcess(t *testing.T) {
	rec := channeltest.NewRecorder("c1")
	proc := newFakeProcess()
	r := New(testOptions(), zap.NewNop())

	rec.Say("u2", "exit")
	rec.Say("u1", "  exit ")

	done := make(chan struct{})
	var out Outcome
	var err error
	go func() {
		out, err = r.Run(context.Background(), proc, rec, "u1")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay did not stop on exit command")
	}
	if err != nil {
		t.Fatal(err)
	}
	if !out.ExitedByCommand || out.TimedOut {
		t.Errorf("outcome = %+v, want exited by command", out)
	}
}

func TestRunTimeoutKillsProcess(t *testing.T) {
	rec := channeltest.NewRecorder("c1")
	proc := newFakeProcess()
	opts := testOptions()
	opts.Timeout = 50 * time.Millisecond
	r := New(opts, zap.NewNop())

	go io.WriteString(proc.stdoutW, "working\n")

	out, err := r.Run(context.Background(), proc, rec, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !out.TimedOut {
		t.Errorf("outcome = %+v, want timed out", out)
	}
	select {
	case <-proc.killed:
	default:
		t.Error("process was not killed")
	}
}

func TestRunCancelStopsRelay(t *testing.T) {
	rec := channeltest.NewRecorder("c1")
	proc := newFakeProcess()
	r := New(testOptions(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	out, err := r.Run(ctx, proc, rec, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !out.Cancelled {
		t.Errorf("outcome = %+v, want cancelled", out)
	}
}

func TestShouldFlush(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"abc", false},
		{"abc\n", true},
		{"a\nb", true},
		{"Enter: ", true},
		{"ratio:", false},
		{strings.Repeat("a", 11), true},
	}
	for _, tt := range tests {
		if got := shouldFlush([]byte(tt.in), 10); got != tt.want {
			t.Errorf("shouldFlush(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestCutKeepsRunesWhole(t *testing.T) {
	data := []byte("aé")
	if n := cut(data, 2); n != 1 {
		t.Errorf("cut = %d, want 1", n)
	}
	if n := cut(data, 5); n != 3 {
		t.Errorf("cut = %d, want 3", n)
	}
}
