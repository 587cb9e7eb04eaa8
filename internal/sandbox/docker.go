// Package sandbox implements the docker-backed Process variant used when an
// agent's config sets sandbox: true (spec.md §6 "opaque subprocess" launch
// path). Grounded in internal/tools/docker.go's DockerSandbox container
// lifecycle, adapted from a one-shot Exec(cmd) helper into a long-lived
// Process that speaks the same stdin/stdout JSON-line protocol as
// internal/pool.Subprocess, attached over the container's streams instead
// of local os/exec pipes.
package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// request/response mirror internal/pool.Subprocess's wire shape (spec.md §6).
type request struct {
	Prompt    string `json:"prompt"`
	Channel   string `json:"channel,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

type response struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// Config configures a sandboxed container launch.
type Config struct {
	Image      string
	MemoryMB   int64
	NetworkOff bool
	Workspace  string
}

// Process is a pool.Process implementation whose backing command runs
// inside an ephemeral, resource-capped container rather than as a direct
// child of this binary.
type Process struct {
	client *client.Client

	mu          sync.Mutex
	containerID string
	stdin       io.WriteCloser
	scanner     *bufio.Scanner
	alive       bool

	agentID string
	channel string
}

// Spawn creates and starts a container running command/args, attaching its
// stdio for the request/response protocol. Conforms to pool.Factory's
// signature shape (agentID, channel string) so it can be swapped in for
// pool.Spawn per agent config.
func Spawn(ctx context.Context, agentID, channel string, cfg Config, command string, args []string) (*Process, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("sandbox: docker client: %w", err)
	}

	image := cfg.Image
	if image == "" {
		image = "golang:alpine"
	}
	memBytes := cfg.MemoryMB
	if memBytes <= 0 {
		memBytes = 512
	}
	memBytes *= 1024 * 1024
	networkMode := "bridge"
	if cfg.NetworkOff {
		networkMode = "none"
	}

	cmd := append([]string{command}, args...)
	createResp, err := cli.ContainerCreate(ctx, &container.Config{
		Image:        image,
		Cmd:          cmd,
		WorkingDir:   "/workspace",
		Tty:          false,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: memBytes,
		},
		NetworkMode: container.NetworkMode(networkMode),
		Binds:       bindsFor(cfg.Workspace),
		AutoRemove:  true,
	}, nil, nil, "")
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("sandbox: create container for agent %s: %w", agentID, err)
	}
	containerID := createResp.ID

	attachResp, err := cli.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("sandbox: attach container for agent %s: %w", agentID, err)
	}

	if err := cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		attachResp.Close()
		cli.Close()
		return nil, fmt.Errorf("sandbox: start container for agent %s: %w", agentID, err)
	}

	scanner := bufio.NewScanner(attachResp.Reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	return &Process{
		client:      cli,
		containerID: containerID,
		stdin:       attachResp.Conn,
		scanner:     scanner,
		alive:       true,
		agentID:     agentID,
		channel:     channel,
	}, nil
}

func bindsFor(workspace string) []string {
	if workspace == "" {
		return nil
	}
	return []string{fmt.Sprintf("%s:/workspace", workspace)}
}

// SendMessage writes one request line and blocks for the matching response
// line, respecting ctx cancellation on the read side — identical protocol
// to internal/pool.Subprocess.SendMessage.
func (p *Process) SendMessage(ctx context.Context, prompt string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.alive {
		return "", fmt.Errorf("sandbox: agent %s container not running", p.agentID)
	}

	req := request{Prompt: prompt, Channel: p.channel}
	line, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("sandbox: marshal request: %w", err)
	}
	if _, err := p.stdin.Write(append(line, '\n')); err != nil {
		p.alive = false
		return "", fmt.Errorf("sandbox: write to agent %s: %w", p.agentID, err)
	}

	type readResult struct {
		resp response
		err  error
	}
	resultCh := make(chan readResult, 1)
	go func() {
		if !p.scanner.Scan() {
			resultCh <- readResult{err: fmt.Errorf("sandbox: agent %s container closed stdout: %w", p.agentID, p.scanner.Err())}
			return
		}
		var resp response
		if err := json.Unmarshal(p.scanner.Bytes(), &resp); err != nil {
			resultCh <- readResult{err: fmt.Errorf("sandbox: decode response from agent %s: %w", p.agentID, err)}
			return
		}
		resultCh <- readResult{resp: resp}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-resultCh:
		if r.err != nil {
			p.alive = false
			return "", r.err
		}
		if r.resp.Error != "" {
			return "", fmt.Errorf("sandbox: agent %s reported error: %s", p.agentID, r.resp.Error)
		}
		return r.resp.Response, nil
	}
}

// IsReady reports whether the container is still attached and alive.
func (p *Process) IsReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

// Stop stops the container (AutoRemove handles cleanup) and closes the
// docker client.
func (p *Process) Stop() error {
	p.mu.Lock()
	if !p.alive {
		p.mu.Unlock()
		return nil
	}
	p.alive = false
	p.mu.Unlock()

	_ = p.stdin.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.client.ContainerStop(ctx, p.containerID, container.StopOptions{})
	p.client.Close()
	return err
}
