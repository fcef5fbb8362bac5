package scheduler

import (
	"context"
	"os"
	"path"
	"strings"

	"go.uber.org/zap"

	appErr "github.com/michaelbrown/quiche/internal/errors"
	"github.com/michaelbrown/quiche/internal/sandbox"
	"github.com/michaelbrown/quiche/internal/storage"
)

// maxInstallLog bounds how much installer stderr is echoed to the requester.
const maxInstallLog = 1500

// runSession executes one request end to end. The work dir and the sandbox
// are released on every return path.
func (s *Scheduler) runSession(ctx context.Context, req *Request, log *zap.Logger) (result, error) {
	var res result

	root, err := s.workRoot()
	if err != nil {
		return res, appErr.Wrap(err, appErr.KindInternal)
	}
	dir, err := os.MkdirTemp(root, "quiche_"+dirSafe(req.RequesterID)+"_")
	if err != nil {
		return res, appErr.Wrap(err, appErr.KindInternal)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Warn("removing work dir failed", zap.String("dir", dir), zap.Error(err))
		}
	}()
	// The sandbox user is not the host user.
	if err := os.Chmod(dir, 0o755); err != nil {
		return res, appErr.Wrap(err, appErr.KindInternal)
	}

	entry, err := s.resolver.Prepare(dir, req.Payload)
	if err != nil {
		return res, err
	}
	res.entry = entry

	inst, err := s.backend.Start(ctx, dir)
	if err != nil {
		return res, err
	}
	defer s.backend.Stop(ctx, inst)
	res.started = s.now()
	log.Debug("sandbox started", zap.String("session", inst.Name), zap.String("entry", entry))
	s.record(ctx, &storage.Run{
		ID:          req.ID,
		RequesterID: req.RequesterID,
		ChannelID:   req.Channel.ID(),
		EntryFile:   entry,
		Status:      storage.StatusRunning,
		StartedAt:   &res.started,
	}, false)

	if err := s.installDeps(ctx, inst, req.RequesterID, log); err != nil {
		return res, err
	}

	proc, err := s.backend.ExecInteractive(ctx, inst, s.profile.RunArgv(entry))
	if err != nil {
		return res, appErr.Wrapf(err, appErr.KindBackend, "Failed to start %s.", entry)
	}
	s.sendStarted(ctx, req, entry)

	res.ran = true
	res.outcome, err = s.relay.Run(ctx, proc, req.Channel, req.RequesterID)
	return res, err
}

// installDeps copies the requester's manifest into the sandbox and runs the
// profile's installer on it.
func (s *Scheduler) installDeps(ctx context.Context, inst *sandbox.Instance, requesterID string, log *zap.Logger) error {
	if s.manifests == nil {
		return nil
	}
	src, ok, err := s.manifests.Lookup(requesterID)
	if err != nil {
		log.Warn("manifest lookup failed", zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	dst := path.Join(s.cfg.Workdir, s.profile.ManifestName)
	argv := s.profile.InstallArgv(dst)
	if argv == nil {
		return nil
	}

	if err := s.backend.CopyFile(ctx, inst, src, dst); err != nil {
		return appErr.Wrapf(err, appErr.KindBackend, "Copy requirements failed:\n%s", tail(err.Error()))
	}
	out, err := s.backend.Exec(ctx, inst, argv)
	if err != nil {
		return appErr.Wrapf(err, appErr.KindBackend, "Requirements install failed:\n%s", tail(err.Error()))
	}
	if out.ExitCode != 0 {
		return appErr.Newf(appErr.KindBackend, "Requirements install failed:\n%s", tail(out.Stderr))
	}
	log.Debug("dependencies installed", zap.String("manifest", src))
	return nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxInstallLog {
		return s
	}
	return "..." + strings.ToValidUTF8(s[len(s)-maxInstallLog:], "")
}

// dirSafe keeps requester ids usable as a temp dir prefix.
func dirSafe(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
}
