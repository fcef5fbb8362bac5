// Package scheduler admits, queues and executes sandboxed runs.
//
// A Scheduler owns all queue state. Submit performs admission (rate limit,
// duplicate check, enqueue) under one lock; Run is the dispatcher loop that
// moves requests from the queue into active sessions as slots free up.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/michaelbrown/quiche/internal/channel"
	appErr "github.com/michaelbrown/quiche/internal/errors"
	"github.com/michaelbrown/quiche/internal/metrics"
	"github.com/michaelbrown/quiche/internal/profile"
	"github.com/michaelbrown/quiche/internal/queue"
	"github.com/michaelbrown/quiche/internal/ratelimit"
	"github.com/michaelbrown/quiche/internal/relay"
	"github.com/michaelbrown/quiche/internal/sandbox"
	"github.com/michaelbrown/quiche/internal/storage"
	"github.com/michaelbrown/quiche/internal/submission"
)

// Requester-facing texts.
const (
	MsgDuplicate  = "You already have an active or queued session. Wait for it to finish."
	MsgTimedOut   = "Execution timed out."
	MsgTerminated = "Your session has been terminated."
	MsgNoActive   = "You don't have an active session"
	MsgFailed     = "Error in queued session."
)

var (
	// ErrRateLimited is wrapped by Submit when the requester is over budget.
	ErrRateLimited = errors.New("rate limited")
	// ErrDuplicate is wrapped by Submit when the requester already has a run.
	ErrDuplicate = errors.New("duplicate submission")
	// ErrNoActiveSession is wrapped by Terminate when there is nothing to stop.
	ErrNoActiveSession = errors.New("no active session")
	// ErrClosed is returned once the dispatcher has stopped.
	ErrClosed = errors.New("scheduler closed")

	errTerminated = errors.New("terminated by requester")
)

// Request is one submission waiting for or holding a session.
type Request struct {
	ID          string
	RequesterID string
	Channel     channel.Channel
	Payload     submission.Payload
	EnqueuedAt  time.Time
}

// Config holds the limits a Scheduler enforces.
type Config struct {
	RunTimeout  time.Duration // wall clock allowed to the program itself
	Grace       time.Duration // extra time for setup and teardown
	MaxSessions int
	WorkRoot    string // parent of per-run work dirs; empty means os.TempDir
	Workdir     string // where the work dir is mounted inside the sandbox
	Cooldown    time.Duration
	Relay       relay.Options
}

// ManifestStore finds a requester's saved dependency manifest.
type ManifestStore interface {
	Lookup(requesterID string) (string, bool, error)
}

// RunStore records run history.
type RunStore interface {
	CreateRun(ctx context.Context, r *storage.Run) error
	UpdateRun(ctx context.Context, r *storage.Run) error
}

// Snapshot lists requesters by state, in dispatch and queue order.
type Snapshot struct {
	Active []string `json:"active"`
	Queued []string `json:"queued"`
}

// Text renders the snapshot the way the queue command prints it.
func (s Snapshot) Text() string {
	return "Active sessions:\n" + orNone(s.Active) + "\n\nQueued sessions:\n" + orNone(s.Queued)
}

// Embed renders the snapshot as a queue embed.
func (s Snapshot) Embed() channel.Embed {
	return channel.Embed{
		Kind:  channel.KindQueue,
		Title: "Queue",
		Fields: []channel.Field{
			{Name: "Active sessions", Value: orNone(s.Active)},
			{Name: "Queued sessions", Value: orNone(s.Queued)},
		},
	}
}

func orNone(ids []string) string {
	if len(ids) == 0 {
		return "None"
	}
	return strings.Join(ids, "\n")
}

// activeRun is a request that has left the queue and not yet finished.
type activeRun struct {
	req    *Request
	seq    uint64
	ctx    context.Context
	cancel context.CancelCauseFunc
}

type Scheduler struct {
	cfg       Config
	backend   sandbox.Backend
	limiter   ratelimit.Limiter
	profile   *profile.Profile
	resolver  *submission.Resolver
	relay     *relay.Relay
	manifests ManifestStore
	runs      RunStore
	metrics   *metrics.Metrics
	log       *zap.Logger
	now       func() time.Time

	slots *slots
	queue *queue.Queue[*Request]
	wg    sync.WaitGroup

	mu      sync.Mutex
	active  map[string]*activeRun
	seq     uint64
	running bool
	closed  bool
}

// New creates a scheduler running the default profile. Call Run to start
// dispatching.
func New(cfg Config, backend sandbox.Backend, limiter ratelimit.Limiter, log *zap.Logger) *Scheduler {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 3
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 300 * time.Second
	}
	if cfg.Grace < 0 {
		cfg.Grace = 0
	}
	if cfg.Workdir == "" {
		cfg.Workdir = sandbox.DefaultPolicy().Workdir
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 300 * time.Second
	}
	cfg.Relay.Timeout = cfg.RunTimeout

	p := profile.Default()
	return &Scheduler{
		cfg:      cfg,
		backend:  backend,
		limiter:  limiter,
		profile:  p,
		resolver: submission.NewResolver(p),
		relay:    relay.New(cfg.Relay, log.Named("relay")),
		log:      log,
		now:      time.Now,
		slots:    newSlots(cfg.MaxSessions),
		queue:    queue.New[*Request](),
		active:   make(map[string]*activeRun),
	}
}

// SetProfile replaces the runtime profile. Call before Run.
func (s *Scheduler) SetProfile(p *profile.Profile) {
	s.profile = p
	s.resolver = submission.NewResolver(p)
}

// SetManifests enables per-requester dependency installs.
func (s *Scheduler) SetManifests(m ManifestStore) { s.manifests = m }

// SetRunStore enables run history.
func (s *Scheduler) SetRunStore(r RunStore) { s.runs = r }

func (s *Scheduler) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// QueuedText is the confirmation sent after a successful Submit.
func (s *Scheduler) QueuedText(position int) string {
	return fmt.Sprintf("Your %s session has been queued. Position: %d", s.profile.Name, position)
}

// RateLimitedText tells a requester how long the cooldown lasts.
func (s *Scheduler) RateLimitedText() string {
	return fmt.Sprintf("You have been temporarily rate-limited. Wait %s.", humanDuration(s.cfg.Cooldown))
}

// Submit admits req and returns its 1-based queue position. Rejections are
// *appErr.Error values of KindAdmission wrapping ErrRateLimited or
// ErrDuplicate.
func (s *Scheduler) Submit(ctx context.Context, req Request) (int, error) {
	if req.RequesterID == "" || req.Channel == nil {
		return 0, appErr.New(appErr.KindInternal, "request needs a requester and a channel")
	}

	pos, r, err := s.admit(ctx, req)
	if err != nil {
		return 0, err
	}

	s.log.Info("request queued",
		zap.String("requester", r.RequesterID),
		zap.String("run", r.ID),
		zap.String("channel", r.Channel.ID()),
		zap.Int("position", pos))
	return pos, nil
}

func (s *Scheduler) admit(ctx context.Context, req Request) (int, *Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, nil, ErrClosed
	}

	now := s.now()
	allowed, err := s.limiter.Allow(ctx, req.RequesterID, now)
	if err != nil {
		// Fail open while the shared store is unreachable.
		s.log.Warn("rate limiter unavailable, admitting", zap.String("requester", req.RequesterID), zap.Error(err))
		allowed = true
	}
	if !allowed {
		s.metrics.AdmissionRejected(metrics.ReasonRateLimited)
		return 0, nil, &appErr.Error{Kind: appErr.KindAdmission, Message: s.RateLimitedText(), Err: ErrRateLimited}
	}

	if _, ok := s.active[req.RequesterID]; ok || s.queue.Contains(req.RequesterID) {
		s.metrics.AdmissionRejected(metrics.ReasonDuplicate)
		return 0, nil, &appErr.Error{Kind: appErr.KindAdmission, Message: MsgDuplicate, Err: ErrDuplicate}
	}

	r := req
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.EnqueuedAt = now

	// Recorded before the push so the dispatcher never updates a missing row.
	s.record(ctx, &storage.Run{
		ID:          r.ID,
		RequesterID: r.RequesterID,
		ChannelID:   r.Channel.ID(),
		EntryFile:   r.Payload.EntryName,
		Status:      storage.StatusQueued,
		CreatedAt:   now,
	}, true)

	pos, err := s.queue.Push(r.RequesterID, &r)
	if err != nil {
		return 0, nil, &appErr.Error{Kind: appErr.KindAdmission, Message: MsgDuplicate, Err: ErrDuplicate}
	}
	s.metrics.SetQueueDepth(s.queue.Len())
	return pos, &r, nil
}

// Status returns the active and queued requesters.
func (s *Scheduler) Status() Snapshot {
	s.mu.Lock()
	runs := make([]*activeRun, 0, len(s.active))
	for _, run := range s.active {
		runs = append(runs, run)
	}
	queued := s.queue.Keys()
	s.mu.Unlock()

	sort.Slice(runs, func(i, j int) bool { return runs[i].seq < runs[j].seq })
	snap := Snapshot{Active: make([]string, 0, len(runs)), Queued: queued}
	for _, run := range runs {
		snap.Active = append(snap.Active, run.req.RequesterID)
	}
	return snap
}

// Position reports where requesterID waits in the queue.
func (s *Scheduler) Position(requesterID string) (int, bool) {
	return s.queue.PositionOf(requesterID)
}

// Terminate stops requesterID's active run or drops its queued request.
// Either way the requester's channel is told once.
func (s *Scheduler) Terminate(requesterID string) error {
	s.mu.Lock()
	if req, ok := s.queue.Remove(requesterID); ok {
		s.metrics.SetQueueDepth(s.queue.Len())
		s.mu.Unlock()

		s.log.Info("queued request terminated", zap.String("requester", requesterID), zap.String("run", req.ID))
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		if err := req.Channel.SendText(ctx, MsgTerminated); err != nil {
			s.log.Debug("notify failed", zap.String("run", req.ID), zap.Error(err))
		}
		cancel()
		now := s.now()
		s.record(context.Background(), &storage.Run{
			ID:          req.ID,
			RequesterID: req.RequesterID,
			ChannelID:   req.Channel.ID(),
			EntryFile:   req.Payload.EntryName,
			Status:      storage.StatusTerminated,
			FinishedAt:  &now,
		}, false)
		return nil
	}
	run, ok := s.active[requesterID]
	s.mu.Unlock()

	if !ok {
		return &appErr.Error{Kind: appErr.KindNotFound, Message: MsgNoActive, Err: ErrNoActiveSession}
	}
	s.log.Info("active run terminated", zap.String("requester", requesterID), zap.String("run", run.req.ID))
	run.cancel(errTerminated)
	return nil
}

// record persists r, creating it when create is set. History is best effort.
func (s *Scheduler) record(ctx context.Context, r *storage.Run, create bool) {
	if s.runs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	var err error
	if create {
		err = s.runs.CreateRun(ctx, r)
	} else {
		err = s.runs.UpdateRun(ctx, r)
	}
	if err != nil {
		s.log.Warn("recording run failed", zap.String("run", r.ID), zap.Error(err))
	}
}

func (s *Scheduler) workRoot() (string, error) {
	root := s.cfg.WorkRoot
	if root == "" {
		return os.TempDir(), nil
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("creating work root: %w", err)
	}
	return root, nil
}

func humanDuration(d time.Duration) string {
	switch {
	case d >= time.Minute && d%time.Minute == 0:
		n := int(d / time.Minute)
		if n == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", n)
	case d >= time.Second && d%time.Second == 0:
		return fmt.Sprintf("%d seconds", int(d/time.Second))
	default:
		return d.String()
	}
}
