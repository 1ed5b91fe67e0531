package sandbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"path"
	"sort"

	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	shellquote "github.com/kballard/go-shellquote"
	"go.uber.org/zap"
)

// ErrNotRunning is returned by Connect when the container exists but is not
// running.
var ErrNotRunning = errors.New("sandbox is not running")

// NewDockerClient connects to the Docker daemon named by host, or the
// environment's default daemon when host is empty.
func NewDockerClient(ctx context.Context, host string) (*dockerclient.Client, error) {
	opts := []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, dockerclient.WithHost(host))
	}

	cli, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker ping: %w", err)
	}
	return cli, nil
}

// DockerProvider connects to sandboxes that are Docker containers. Sandbox
// ports must be published to the host for GetHost to resolve them.
type DockerProvider struct {
	Client *dockerclient.Client
	// User runs every exec. Empty means the image's default user.
	User   string
	Logger *zap.Logger
}

// Connect verifies that the container is running and returns a Runtime
// bound to it.
func (p *DockerProvider) Connect(ctx context.Context, sandboxID string) (Runtime, error) {
	inspect, err := p.Client.ContainerInspect(ctx, sandboxID)
	if err != nil {
		return nil, fmt.Errorf("inspect sandbox %s: %w", sandboxID, err)
	}
	if inspect.State == nil || !inspect.State.Running {
		return nil, fmt.Errorf("%s: %w", sandboxID, ErrNotRunning)
	}

	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DockerRuntime{
		client:      p.Client,
		containerID: inspect.ID,
		user:        p.User,
		logger:      logger.Named("docker").With(zap.String("sandbox", sandboxID)),
	}, nil
}

// DockerRuntime executes commands in one container through the Docker exec
// API.
type DockerRuntime struct {
	client      *dockerclient.Client
	containerID string
	user        string
	logger      *zap.Logger
}

func (d *DockerRuntime) Run(ctx context.Context, command string, opts RunOptions) (CommandResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	execCfg := container.ExecOptions{
		Cmd:          []string{"sh", "-c", command},
		Env:          envList(opts.Env),
		WorkingDir:   opts.Cwd,
		User:         d.user,
		AttachStdout: true,
		AttachStderr: true,
	}

	execID, err := d.client.ContainerExecCreate(ctx, d.containerID, execCfg)
	if err != nil {
		return CommandResult{ExitCode: -1}, fmt.Errorf("exec create: %w", err)
	}

	resp, err := d.client.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return CommandResult{ExitCode: -1}, fmt.Errorf("exec attach: %w", err)
	}
	defer resp.Close()

	// The hijacked connection ignores ctx, so the copy runs on its own and
	// the connection is closed when ctx ends first.
	var stdout, stderr bytes.Buffer
	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader)
		copied <- err
	}()

	select {
	case err := <-copied:
		if err != nil {
			return CommandResult{ExitCode: -1}, fmt.Errorf("read exec output: %w", err)
		}
	case <-ctx.Done():
		resp.Close()
		return CommandResult{ExitCode: -1}, fmt.Errorf("exec: %w", ctx.Err())
	}

	inspectResp, err := d.client.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return CommandResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1}, fmt.Errorf("exec inspect: %w", err)
	}

	d.logger.Debug("exec finished", zap.Int("exit_code", inspectResp.ExitCode))
	return CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspectResp.ExitCode,
	}, nil
}

// WriteFile writes data through exec so the file is owned by the exec user,
// creating the parent directory if needed.
func (d *DockerRuntime) WriteFile(ctx context.Context, filePath string, data []byte) error {
	b64 := base64.StdEncoding.EncodeToString(data)
	script := fmt.Sprintf("mkdir -p %s && printf '%%s' '%s' | base64 -d > %s",
		shellquote.Join(path.Dir(filePath)), b64, shellquote.Join(filePath))

	if _, err := RunChecked(ctx, d, script, RunOptions{}); err != nil {
		return fmt.Errorf("write %s: %w", filePath, err)
	}
	return nil
}

// GetHost returns the host address Docker published for port as an http URL.
func (d *DockerRuntime) GetHost(ctx context.Context, port int) (string, error) {
	inspect, err := d.client.ContainerInspect(ctx, d.containerID)
	if err != nil {
		return "", fmt.Errorf("inspect container: %w", err)
	}
	if inspect.NetworkSettings == nil {
		return "", fmt.Errorf("container %s has no network settings", d.containerID)
	}
	return publishedHost(inspect.NetworkSettings.Ports, port)
}

func publishedHost(ports nat.PortMap, port int) (string, error) {
	bindings := ports[nat.Port(fmt.Sprintf("%d/tcp", port))]
	for _, b := range bindings {
		if b.HostPort == "" {
			continue
		}
		ip := b.HostIP
		if ip == "" || ip == "0.0.0.0" || ip == "::" {
			ip = "127.0.0.1"
		}
		return "http://" + net.JoinHostPort(ip, b.HostPort), nil
	}
	return "", fmt.Errorf("port %d/tcp is not published to the host", port)
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

var _ Runtime = (*DockerRuntime)(nil)
var _ Provider = (*DockerProvider)(nil)
