// Package relay streams a running process's output to a channel and feeds the
// requester's replies back into its stdin.
package relay

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/michaelbrown/quiche/internal/channel"
	appErr "github.com/michaelbrown/quiche/internal/errors"
)

// TruncatedNotice is sent once when a run hits its message budget.
const TruncatedNotice = "Output truncated: maximum messages received."

// StderrPrefix marks messages that came from the process's stderr.
const StderrPrefix = "[stderr] "

// Process is a running program with attached standard streams.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	Wait(ctx context.Context) (int, error)
	Kill()
}

// Options bounds what a single run may send and how long it may run.
type Options struct {
	MaxMessages    int
	MaxMessageSize int
	ChunkSize      int
	ExitCommand    string
	Timeout        time.Duration
}

// DefaultOptions returns the limits used by the chat frontends.
func DefaultOptions() Options {
	return Options{
		MaxMessages:    15,
		MaxMessageSize: 1800,
		ChunkSize:      256,
		ExitCommand:    "exit",
		Timeout:        300 * time.Second,
	}
}

// Outcome describes how a relayed process ended.
type Outcome struct {
	ExitCode        int
	TimedOut        bool // killed by the run timeout
	ExitedByCommand bool // requester sent the exit command
	Cancelled       bool // parent context ended first
	Messages        int
	Truncated       bool
}

type Relay struct {
	opts Options
	log  *zap.Logger
}

func New(opts Options, log *zap.Logger) *Relay {
	def := DefaultOptions()
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = def.MaxMessages
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = def.MaxMessageSize
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = def.ChunkSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	return &Relay{opts: opts, log: log}
}

// Run relays proc's I/O over ch until the process exits, the timeout fires,
// the requester sends the exit command or ctx ends. Every relay goroutine has
// returned by the time Run does.
func (r *Relay) Run(ctx context.Context, proc Process, ch channel.Channel, requesterID string) (Outcome, error) {
	var (
		out    Outcome
		killed atomic.Bool
		byCmd  atomic.Bool
	)
	kill := func() {
		killed.Store(true)
		proc.Kill()
	}

	b := &budget{max: r.opts.MaxMessages}
	inputCtx, stopInput := context.WithCancel(ctx)
	defer stopInput()

	var g errgroup.Group
	g.Go(func() error {
		r.stream(ctx, ch, proc.Stdout(), "", b)
		return nil
	})
	g.Go(func() error {
		r.stream(ctx, ch, proc.Stderr(), StderrPrefix, b)
		return nil
	})
	g.Go(func() error {
		if r.input(inputCtx, ch, requesterID, proc.Stdin()) {
			byCmd.Store(true)
			kill()
		}
		return nil
	})

	type waitResult struct {
		code int
		err  error
	}
	waited := make(chan waitResult, 1)
	go func() {
		code, err := proc.Wait(context.WithoutCancel(ctx))
		waited <- waitResult{code, err}
	}()

	timer := time.NewTimer(r.opts.Timeout)
	defer timer.Stop()

	var res waitResult
	select {
	case res = <-waited:
	case <-timer.C:
		out.TimedOut = true
		kill()
		res = <-waited
	case <-ctx.Done():
		out.Cancelled = true
		kill()
		res = <-waited
	}

	stopInput()
	_ = proc.Stdin().Close()
	_ = g.Wait()

	out.ExitCode = res.code
	out.ExitedByCommand = byCmd.Load()
	out.Messages, out.Truncated = b.stats()

	if res.err != nil && !killed.Load() {
		return out, appErr.Wrapf(res.err, appErr.KindBackend, "Failed to read the program's exit status.")
	}
	return out, nil
}

// stream forwards src to ch until src is exhausted. Output past the budget is
// read and dropped so the process never blocks on a full pipe.
func (r *Relay) stream(ctx context.Context, ch channel.Channel, src io.Reader, prefix string, b *budget) {
	chunk := make([]byte, r.opts.ChunkSize)
	var pending []byte
	for {
		n, err := src.Read(chunk)
		if n > 0 {
			pending = append(pending, chunk[:n]...)
			if shouldFlush(pending, r.opts.MaxMessageSize) {
				r.flush(ctx, ch, prefix, pending, b)
				pending = pending[:0]
			}
		}
		if err != nil {
			if err != io.EOF {
				r.log.Debug("output stream closed", zap.Error(err))
			}
			break
		}
	}
	if len(pending) > 0 {
		r.flush(ctx, ch, prefix, pending, b)
	}
}

func shouldFlush(buf []byte, max int) bool {
	if len(buf) > max {
		return true
	}
	for _, c := range buf {
		if c == '\n' {
			return true
		}
	}
	return len(buf) >= 2 && buf[len(buf)-2] == ':' && buf[len(buf)-1] == ' '
}

func (r *Relay) flush(ctx context.Context, ch channel.Channel, prefix string, data []byte, b *budget) {
	for len(data) > 0 {
		n := cut(data, r.opts.MaxMessageSize)
		text := strings.ToValidUTF8(string(data[:n]), "�")
		data = data[n:]

		ok, last := b.take()
		if !ok {
			return
		}
		r.send(ctx, ch, prefix+text)
		if last {
			r.send(ctx, ch, TruncatedNotice)
			return
		}
	}
}

// cut returns how many bytes of data fit in max without splitting a rune.
func cut(data []byte, max int) int {
	if len(data) <= max {
		return len(data)
	}
	n := max
	for n > 0 && !utf8.RuneStart(data[n]) {
		n--
	}
	if n == 0 {
		return max
	}
	return n
}

func (r *Relay) send(ctx context.Context, ch channel.Channel, text string) {
	if err := ch.SendText(ctx, text); err != nil {
		r.log.Debug("relay send failed", zap.String("channel", ch.ID()), zap.Error(err))
	}
}

// input forwards requester messages to stdin. It reports whether the
// requester asked to stop the program.
func (r *Relay) input(ctx context.Context, ch channel.Channel, requesterID string, stdin io.Writer) bool {
	for {
		msg, err := ch.WaitForMessage(ctx, requesterID, r.opts.Timeout)
		if err != nil {
			return false
		}
		line := strings.TrimSpace(msg.Content)
		if r.opts.ExitCommand != "" && line == r.opts.ExitCommand {
			return true
		}
		if _, err := io.WriteString(stdin, msg.Content+"\n"); err != nil {
			return false
		}
	}
}

// budget is the message allowance shared by both output streams of one run.
type budget struct {
	mu        sync.Mutex
	max       int
	sent      int
	truncated bool
}

// take reserves one message. last is true for the message that spends the
// budget; its sender owes the truncation notice.
func (b *budget) take() (ok, last bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sent >= b.max {
		return false, false
	}
	b.sent++
	if b.sent == b.max {
		b.truncated = true
		return true, true
	}
	return true, false
}

func (b *budget) stats() (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sent, b.truncated
}
