package process

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/systest/systest/apperrors"
)

// DockerStartOptions configures a process launched inside a throwaway
// Docker container rather than as a direct child of this process, for
// callers that want stronger sandboxing than a bare process group
// provides. Descriptors carry no executor kind, so nothing in this module
// selects StartInDocker automatically; a caller invokes it directly.
type DockerStartOptions struct {
	Image       string
	Cmd         []string
	WorkingDir  string
	Env         []string
	DisplayName string
	Timeout     time.Duration
	Stdout      string // resolved against outputDir if not already absolute
}

// DockerProcess is a handle to a container-backed process, implementing
// the same surface a caller needs from *Process for the common case of
// waiting for exit and reading status.
type DockerProcess struct {
	cli         *client.Client
	containerID string
	displayName string
	exitCode    int
	done        chan struct{}
}

// StartInDocker creates and runs a container from opts.Image with opts.Cmd,
// streaming combined output to opts.Stdout, and removes the container once
// it exits. It does not pull the image: opts.Image must already be present
// on the Docker host.
func StartInDocker(ctx context.Context, outputDir string, opts DockerStartOptions, host, apiVersion string) (*DockerProcess, error) {
	cli, err := client.NewClientWithOpts(client.WithHost(host), client.WithVersion(apiVersion))
	if err != nil {
		return nil, apperrors.Infrastructure("docker client init", err)
	}

	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image:      opts.Image,
		Cmd:        opts.Cmd,
		Env:        opts.Env,
		WorkingDir: opts.WorkingDir,
		Tty:        false,
	}, nil, nil, nil, "")
	if err != nil {
		return nil, apperrors.ProcessError(fmt.Sprintf("create container for %s", displayNameOr(opts.DisplayName, opts.Image)), err)
	}

	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, apperrors.ProcessError(fmt.Sprintf("start container for %s", displayNameOr(opts.DisplayName, opts.Image)), err)
	}

	dp := &DockerProcess{
		cli:         cli,
		containerID: resp.ID,
		displayName: displayNameOr(opts.DisplayName, opts.Image),
		done:        make(chan struct{}),
	}

	go dp.wait(ctx, outputDir, opts.Stdout)

	if opts.Timeout > 0 {
		select {
		case <-dp.done:
		case <-time.After(opts.Timeout):
			_ = dp.Stop(ctx)
			return dp, apperrors.ProcessTimeout(fmt.Sprintf("%s exceeded timeout of %s", dp.displayName, opts.Timeout))
		}
	} else {
		<-dp.done
	}

	return dp, nil
}

func (dp *DockerProcess) wait(ctx context.Context, outputDir, stdoutPath string) {
	defer close(dp.done)

	if p := resolvePath(outputDir, stdoutPath); p != "" {
		if f, err := os.OpenFile(p, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644); err == nil {
			defer f.Close()
			if out, err := dp.cli.ContainerLogs(ctx, dp.containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true}); err == nil {
				defer out.Close()
				_, _ = io.Copy(f, out)
			}
		}
	}

	statusCh, errCh := dp.cli.ContainerWait(ctx, dp.containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			dp.exitCode = 1
		}
	case status := <-statusCh:
		dp.exitCode = int(status.StatusCode)
	}

	_ = dp.cli.ContainerRemove(ctx, dp.containerID, container.RemoveOptions{Force: true})
}

// Stop stops the backing container with no grace period; the container is
// removed afterwards by the goroutine waiting on it.
func (dp *DockerProcess) Stop(ctx context.Context) error {
	timeout := 0
	return dp.cli.ContainerStop(ctx, dp.containerID, container.StopOptions{Timeout: &timeout})
}

// ExitStatus returns the recorded exit code and whether the container has
// exited yet.
func (dp *DockerProcess) ExitStatus() (int, bool) {
	select {
	case <-dp.done:
		return dp.exitCode, true
	default:
		return 0, false
	}
}

func displayNameOr(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}
