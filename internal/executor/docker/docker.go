// Package docker launches REPL children inside sandbox containers. Each
// launch creates one container running the requested command with stdin,
// stdout and stderr attached; killing the child removes the container.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/sakif/mojo-kernel/internal/executor"
)

const (
	pullTimeout    = 10 * time.Minute
	removeTimeout  = 10 * time.Second
	ctrlC          = 0x03
	tmpfsMountOpts = "rw,exec,nosuid,size=256m"
)

// Launcher implements executor.Launcher on top of the Docker API.
type Launcher struct {
	cli    *client.Client
	config Config
	logger *slog.Logger
}

var _ executor.Launcher = (*Launcher)(nil)

// New connects to the Docker daemon and, if configured, pulls the image.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Launcher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	if cfg.Pull {
		pullCtx, cancel := context.WithTimeout(ctx, pullTimeout)
		defer cancel()

		logger.Info("ensuring docker image is available", slog.String("image", cfg.Image))
		reader, err := cli.ImagePull(pullCtx, cfg.Image, image.PullOptions{})
		if err != nil {
			cli.Close()
			return nil, fmt.Errorf("failed to pull image: %w", err)
		}
		// Read everything to block until the pull is complete
		_, _ = io.Copy(io.Discard, reader)
		reader.Close()
		logger.Info("docker image is ready")
	}

	return &Launcher{cli: cli, config: cfg, logger: logger}, nil
}

// Close releases the docker client.
func (l *Launcher) Close() error {
	return l.cli.Close()
}

// Launch creates and starts a container for cmd and attaches to its streams.
func (l *Launcher) Launch(ctx context.Context, cmd executor.Command) (executor.Process, error) {
	cfg, hostCfg := containerConfig(l.config, cmd)

	resp, err := l.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, executor.Fault(executor.ErrLaunch, "creating container: %v", err)
	}
	id := resp.ID

	attach, err := l.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		l.remove(id)
		return nil, executor.Fault(executor.ErrLaunch, "attaching to container: %v", err)
	}

	// Wait is registered before start so a child that exits at once is
	// still observed.
	waitCh, errCh := l.cli.ContainerWait(context.Background(), id, container.WaitConditionNextExit)

	if err := l.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		attach.Close()
		l.remove(id)
		return nil, executor.Fault(executor.ErrLaunch, "starting container: %v", err)
	}

	p := newContainerProcess(l, id, attach)
	go p.copyOutput(l.config.Terminal)
	go p.wait(waitCh, errCh)

	l.logger.Debug("container started",
		slog.String("id", shortID(id)),
		slog.String("image", l.config.Image),
		slog.String("path", cmd.Path),
	)
	return p, nil
}

// containerConfig builds the container and host settings for cmd.
func containerConfig(c Config, cmd executor.Command) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image:        c.Image,
		Cmd:          append([]string{cmd.Path}, cmd.Args...),
		Env:          cmd.Env,
		WorkingDir:   cmd.Dir,
		User:         c.User,
		Tty:          c.Terminal,
		OpenStdin:    true,
		StdinOnce:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}

	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(c.Network),
		Resources: container.Resources{
			Memory:   c.MemoryLimit,
			NanoCPUs: int64(c.CPULimit * 1e9),
		},
		AutoRemove:     false,
		ReadonlyRootfs: c.ReadonlyRootfs,
	}
	if c.ReadonlyRootfs {
		hostCfg.Tmpfs = map[string]string{"/tmp": tmpfsMountOpts}
	}
	return cfg, hostCfg
}

// remove force removes a container by ID.
func (l *Launcher) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()

	err := l.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil {
		l.logger.Error("failed to remove container", slog.String("id", shortID(id)), slog.String("error", err.Error()))
	}
}

type containerProcess struct {
	launcher *Launcher
	id       string
	attach   types.HijackedResponse

	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	done       chan struct{}
	removeOnce sync.Once
}

func newContainerProcess(l *Launcher, id string, attach types.HijackedResponse) *containerProcess {
	p := &containerProcess{
		launcher: l,
		id:       id,
		attach:   attach,
		done:     make(chan struct{}),
	}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

// copyOutput demultiplexes the attached stream into the stdout and stderr
// pipes. A terminal container has a single raw stream.
func (p *containerProcess) copyOutput(terminal bool) {
	var err error
	if terminal {
		_, err = io.Copy(p.stdoutW, p.attach.Reader)
	} else {
		_, err = stdcopy.StdCopy(p.stdoutW, p.stderrW, p.attach.Reader)
	}
	if err != nil {
		p.launcher.logger.Debug("container stream closed", slog.String("id", shortID(p.id)), slog.String("error", err.Error()))
	}
	p.stdoutW.Close()
	p.stderrW.Close()
}

func (p *containerProcess) wait(waitCh <-chan container.WaitResponse, errCh <-chan error) {
	select {
	case res := <-waitCh:
		p.launcher.logger.Debug("container exited", slog.String("id", shortID(p.id)), slog.Int64("status", res.StatusCode))
	case err := <-errCh:
		p.launcher.logger.Warn("container wait failed", slog.String("id", shortID(p.id)), slog.String("error", err.Error()))
	}
	close(p.done)
}

type stdinWriter struct{ attach types.HijackedResponse }

func (w stdinWriter) Write(b []byte) (int, error) { return w.attach.Conn.Write(b) }
func (w stdinWriter) Close() error                { return w.attach.CloseWrite() }

func (p *containerProcess) Stdin() io.WriteCloser { return stdinWriter{p.attach} }
func (p *containerProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *containerProcess) Stderr() io.Reader     { return p.stderrR }
func (p *containerProcess) Done() <-chan struct{} { return p.done }

func (p *containerProcess) Interrupt() error {
	if executor.Exited(p) {
		return nil
	}
	if p.launcher.config.Terminal {
		_, err := p.attach.Conn.Write([]byte{ctrlC})
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	return p.launcher.cli.ContainerKill(ctx, p.id, "SIGINT")
}

func (p *containerProcess) Kill() error {
	p.removeOnce.Do(func() {
		p.launcher.remove(p.id)
		p.attach.Close()
		p.stdoutR.Close()
		p.stderrR.Close()
	})
	select {
	case <-p.done:
	case <-time.After(removeTimeout):
		return fmt.Errorf("container %s did not stop", shortID(p.id))
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
