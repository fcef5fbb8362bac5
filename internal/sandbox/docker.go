package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"go.uber.org/zap"

	appErr "github.com/michaelbrown/quiche/internal/errors"
)

const stopTimeout = 10 * time.Second

// engine is the slice of the Docker Engine API the backend needs.
type engine interface {
	create(ctx context.Context, name string, cfg *container.Config, host *container.HostConfig) (string, error)
	start(ctx context.Context, id string) error
	remove(ctx context.Context, id string) error
	execCreate(ctx context.Context, id string, opts container.ExecOptions) (string, error)
	execAttach(ctx context.Context, execID string) (types.HijackedResponse, error)
	execInspect(ctx context.Context, execID string) (exitCode int, running bool, err error)
	copyTo(ctx context.Context, id, dir string, content io.Reader) error
	close() error
}

// DockerBackend runs each instance as a Docker container that idles until
// commands are exec'd into it.
type DockerBackend struct {
	policy Policy
	eng    engine
	log    *zap.Logger
}

// NewDockerBackend connects to the Docker daemon from the environment, or to
// host when it is non-empty.
func NewDockerBackend(policy Policy, host string, log *zap.Logger) (*DockerBackend, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("sandbox policy: %w", err)
	}
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return newDockerBackend(policy, &dockerEngine{cli: cli}, log), nil
}

func newDockerBackend(policy Policy, eng engine, log *zap.Logger) *DockerBackend {
	return &DockerBackend{policy: policy, eng: eng, log: log}
}

// Close releases the daemon connection.
func (d *DockerBackend) Close() error {
	return d.eng.close()
}

func (d *DockerBackend) Start(ctx context.Context, mountDir string) (*Instance, error) {
	name := "quiche-" + uuid.NewString()
	id, err := d.eng.create(ctx, name, d.policy.containerConfig(name), d.policy.hostConfig(mountDir))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.KindBackend, "Sandbox failed to start.")
	}
	inst := &Instance{ID: id, Name: name}
	if err := d.eng.start(ctx, id); err != nil {
		d.Stop(ctx, inst)
		return nil, appErr.Wrapf(err, appErr.KindBackend, "Sandbox failed to start.")
	}
	d.log.Debug("container started", zap.String("container", name), zap.String("mount", mountDir))
	return inst, nil
}

func (d *DockerBackend) Stop(ctx context.Context, inst *Instance) {
	if inst == nil || inst.ID == "" {
		return
	}
	// Teardown must still happen when the run's context has expired.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()

	if err := d.eng.remove(ctx, inst.ID); err != nil && !errdefs.IsNotFound(err) {
		d.log.Warn("container remove failed", zap.String("container", inst.Name), zap.Error(err))
		return
	}
	d.log.Debug("container removed", zap.String("container", inst.Name))
}

func (d *DockerBackend) Exec(ctx context.Context, inst *Instance, argv []string) (*ExecResult, error) {
	execID, err := d.eng.execCreate(ctx, inst.ID, container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   d.policy.Workdir,
	})
	if err != nil {
		return nil, fmt.Errorf("creating exec: %w", err)
	}
	hj, err := d.eng.execAttach(ctx, execID)
	if err != nil {
		return nil, fmt.Errorf("attaching exec: %w", err)
	}
	defer hj.Close()

	stop := context.AfterFunc(ctx, hj.Close)
	defer stop()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, hj.Reader); err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("reading exec output: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	code, _, err := d.eng.execInspect(ctx, execID)
	if err != nil {
		return nil, fmt.Errorf("inspecting exec: %w", err)
	}
	return &ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: code}, nil
}

func (d *DockerBackend) ExecInteractive(ctx context.Context, inst *Instance, argv []string) (Process, error) {
	execID, err := d.eng.execCreate(ctx, inst.ID, container.ExecOptions{
		Cmd:          argv,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   d.policy.Workdir,
	})
	if err != nil {
		return nil, fmt.Errorf("creating exec: %w", err)
	}
	hj, err := d.eng.execAttach(ctx, execID)
	if err != nil {
		return nil, fmt.Errorf("attaching exec: %w", err)
	}
	return newDockerProcess(d.eng, execID, hj), nil
}

func (d *DockerBackend) CopyFile(ctx context.Context, inst *Instance, src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("reading %s: %w", src, err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name:    path.Base(dst),
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}); err != nil {
		return err
	}
	if _, err := tw.Write(data); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}

	if err := d.eng.copyTo(ctx, inst.ID, path.Dir(dst), &buf); err != nil {
		return fmt.Errorf("copying to container: %w", err)
	}
	return nil
}

// dockerProcess demultiplexes an attached exec stream into stdout and stderr pipes.
type dockerProcess struct {
	eng    engine
	execID string
	hj     types.HijackedResponse
	stdout *io.PipeReader
	stderr *io.PipeReader
	done   chan struct{}
	once   sync.Once
}

func newDockerProcess(eng engine, execID string, hj types.HijackedResponse) *dockerProcess {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	p := &dockerProcess{
		eng:    eng,
		execID: execID,
		hj:     hj,
		stdout: outR,
		stderr: errR,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(p.done)
		_, err := stdcopy.StdCopy(outW, errW, hj.Reader)
		outW.CloseWithError(err)
		errW.CloseWithError(err)
	}()
	return p
}

func (p *dockerProcess) Stdin() io.WriteCloser { return hijackedStdin{p.hj} }
func (p *dockerProcess) Stdout() io.Reader     { return p.stdout }
func (p *dockerProcess) Stderr() io.Reader     { return p.stderr }

func (p *dockerProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		return -1, ctx.Err()
	}
	code, running, err := p.eng.execInspect(context.WithoutCancel(ctx), p.execID)
	if err != nil {
		return -1, fmt.Errorf("inspecting exec: %w", err)
	}
	if running {
		return -1, ErrKilled
	}
	return code, nil
}

// Kill drops the attached connection. The process itself dies with its
// container when the instance is stopped.
func (p *dockerProcess) Kill() {
	p.once.Do(p.hj.Close)
}

// ErrKilled is returned by Wait when the process was detached before it exited.
var ErrKilled = errors.New("process killed")

type hijackedStdin struct {
	hj types.HijackedResponse
}

func (s hijackedStdin) Write(b []byte) (int, error) { return s.hj.Conn.Write(b) }
func (s hijackedStdin) Close() error                { return s.hj.CloseWrite() }

// dockerEngine adapts *client.Client to engine.
type dockerEngine struct {
	cli *client.Client
}

func (e *dockerEngine) create(ctx context.Context, name string, cfg *container.Config, host *container.HostConfig) (string, error) {
	resp, err := e.cli.ContainerCreate(ctx, cfg, host, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (e *dockerEngine) start(ctx context.Context, id string) error {
	return e.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (e *dockerEngine) remove(ctx context.Context, id string) error {
	return e.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
}

func (e *dockerEngine) execCreate(ctx context.Context, id string, opts container.ExecOptions) (string, error) {
	resp, err := e.cli.ContainerExecCreate(ctx, id, opts)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (e *dockerEngine) execAttach(ctx context.Context, execID string) (types.HijackedResponse, error) {
	return e.cli.ContainerExecAttach(ctx, execID, container.ExecStartOptions{})
}

func (e *dockerEngine) execInspect(ctx context.Context, execID string) (int, bool, error) {
	insp, err := e.cli.ContainerExecInspect(ctx, execID)
	if err != nil {
		return 0, false, err
	}
	return insp.ExitCode, insp.Running, nil
}

func (e *dockerEngine) copyTo(ctx context.Context, id, dir string, content io.Reader) error {
	return e.cli.CopyToContainer(ctx, id, dir, content, container.CopyToContainerOptions{})
}

func (e *dockerEngine) close() error {
	return e.cli.Close()
}
