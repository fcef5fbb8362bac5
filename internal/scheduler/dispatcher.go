package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/michaelbrown/quiche/internal/channel"
	appErr "github.com/michaelbrown/quiche/internal/errors"
	"github.com/michaelbrown/quiche/internal/relay"
	"github.com/michaelbrown/quiche/internal/storage"
)

const notifyTimeout = 10 * time.Second

// result is everything a finished session reports back to the dispatcher.
type result struct {
	entry   string
	started time.Time // zero when no sandbox was started
	outcome relay.Outcome
	ran     bool // the program was started and relayed
}

// Run dispatches queued requests until ctx ends, then waits for every
// in-flight run to finish tearing down. It returns ctx's error.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running || s.closed {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.running = true
	s.mu.Unlock()

	s.log.Info("dispatcher started", zap.Int("max_sessions", s.cfg.MaxSessions))
	defer func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.wg.Wait()
		s.log.Info("dispatcher stopped", zap.Int("abandoned", s.queue.Len()))
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.queue.Ready():
		}

		for {
			// A request waiting for a slot stays queued, so it keeps its
			// position and can be terminated from the queue.
			if err := s.slots.acquire(ctx); err != nil {
				return ctx.Err()
			}
			run, ok := s.next(ctx)
			if !ok {
				s.slots.release()
				break
			}
			s.wg.Add(1)
			go s.execute(ctx, run)
		}
	}
}

// next moves the queue head into the active map. The requester is never
// absent from both while the move happens.
func (s *Scheduler) next(parent context.Context) (*activeRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, req, ok := s.queue.TryPop()
	if !ok {
		return nil, false
	}
	ctx, cancel := context.WithCancelCause(parent)
	s.seq++
	run := &activeRun{req: req, seq: s.seq, ctx: ctx, cancel: cancel}
	s.active[req.RequesterID] = run

	s.metrics.SetQueueDepth(s.queue.Len())
	s.metrics.SetActiveSessions(len(s.active))
	return run, true
}

func (s *Scheduler) execute(parent context.Context, run *activeRun) {
	defer s.wg.Done()
	defer s.slots.release()

	dispatched := s.now()
	ctx, cancel := context.WithTimeout(run.ctx, s.cfg.RunTimeout+s.cfg.Grace)
	defer cancel()

	log := s.log.With(zap.String("requester", run.req.RequesterID), zap.String("run", run.req.ID))
	log.Info("run dispatched", zap.Int("slots_busy", s.slots.busy()))

	res, err := s.protect(ctx, run, log)
	if err == nil && ctx.Err() != nil {
		err = context.Cause(ctx)
	}
	s.finish(parent, run, res, err, dispatched)
}

// protect runs the session, turning a panic into an internal error.
func (s *Scheduler) protect(ctx context.Context, run *activeRun, log *zap.Logger) (res result, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("run panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = appErr.Newf(appErr.KindInternal, "panic: %v", r)
		}
	}()
	return s.runSession(ctx, run.req, log)
}

// finish is the single place a run's outcome reaches the requester. It sends
// at most one text, removes the requester from the active map and records
// history.
func (s *Scheduler) finish(parent context.Context, run *activeRun, res result, err error, dispatched time.Time) {
	req := run.req
	run.cancel(nil)

	s.mu.Lock()
	delete(s.active, req.RequesterID)
	s.metrics.SetActiveSessions(len(s.active))
	s.mu.Unlock()

	status, text := s.classify(parent, run, res, err)

	log := s.log.With(zap.String("requester", req.RequesterID), zap.String("run", req.ID))
	fields := []zap.Field{zap.String("status", string(status)), zap.Int("exit_code", res.outcome.ExitCode)}
	switch {
	case status == storage.StatusCompleted:
		log.Info("run finished", fields...)
	case appErr.KindOf(err) == appErr.KindSelection:
		log.Info("run rejected", append(fields, zap.Error(err))...)
	default:
		log.Warn("run failed", append(fields, zap.Error(err))...)
	}

	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(parent), notifyTimeout)
	defer cancel()
	if text != "" {
		if sendErr := req.Channel.SendText(notifyCtx, text); sendErr != nil {
			log.Debug("notify failed", zap.Error(sendErr))
		}
	}
	if res.ran {
		s.sendFinished(notifyCtx, req, status, res)
	}

	finished := s.now()
	rec := &storage.Run{
		ID:          req.ID,
		RequesterID: req.RequesterID,
		ChannelID:   req.Channel.ID(),
		EntryFile:   res.entry,
		Status:      status,
		Messages:    res.outcome.Messages,
		Truncated:   res.outcome.Truncated,
		FinishedAt:  &finished,
	}
	if rec.EntryFile == "" {
		rec.EntryFile = req.Payload.EntryName
	}
	if !res.started.IsZero() {
		rec.StartedAt = &res.started
	}
	if res.ran && !res.outcome.TimedOut && status != storage.StatusTerminated {
		code := res.outcome.ExitCode
		rec.ExitCode = &code
	}
	if err != nil {
		rec.Error = err.Error()
	}
	s.record(parent, rec, false)

	if !dispatched.IsZero() {
		s.metrics.RunFinished(string(status), finished.Sub(dispatched))
	}
}

// classify maps a run's result to its history status and the one text the
// requester is sent.
func (s *Scheduler) classify(parent context.Context, run *activeRun, res result, err error) (storage.RunStatus, string) {
	switch {
	case errors.Is(context.Cause(run.ctx), errTerminated), parent.Err() != nil:
		return storage.StatusTerminated, MsgTerminated
	case err == nil && res.outcome.ExitedByCommand:
		return storage.StatusTerminated, MsgTerminated
	case res.outcome.TimedOut, errors.Is(err, context.DeadlineExceeded):
		return storage.StatusTimedOut, MsgTimedOut
	case err != nil:
		return storage.StatusFailed, appErr.UserMessage(err, MsgFailed)
	default:
		return storage.StatusCompleted, ""
	}
}

func (s *Scheduler) sendStarted(ctx context.Context, req *Request, entry string) {
	err := req.Channel.SendEmbed(ctx, channel.Embed{
		Kind:  channel.KindRunStarted,
		Title: "Running " + entry,
		Fields: []channel.Field{
			{Name: "Run", Value: req.ID},
			{Name: "Timeout", Value: humanDuration(s.cfg.RunTimeout)},
		},
	})
	if err != nil {
		s.log.Debug("start embed failed", zap.String("run", req.ID), zap.Error(err))
	}
}

func (s *Scheduler) sendFinished(ctx context.Context, req *Request, status storage.RunStatus, res result) {
	fields := []channel.Field{
		{Name: "Run", Value: req.ID},
		{Name: "Status", Value: string(status)},
	}
	if status == storage.StatusCompleted {
		fields = append(fields, channel.Field{Name: "Exit code", Value: fmt.Sprint(res.outcome.ExitCode)})
	}
	if !res.started.IsZero() {
		fields = append(fields, channel.Field{Name: "Duration", Value: s.now().Sub(res.started).Round(time.Millisecond).String()})
	}
	if res.outcome.Truncated {
		fields = append(fields, channel.Field{Name: "Output", Value: "truncated"})
	}
	err := req.Channel.SendEmbed(ctx, channel.Embed{
		Kind:   channel.KindRunFinished,
		Title:  "Finished " + res.entry,
		Fields: fields,
	})
	if err != nil {
		s.log.Debug("finish embed failed", zap.String("run", req.ID), zap.Error(err))
	}
}
