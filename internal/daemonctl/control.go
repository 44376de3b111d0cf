// Package daemonctl starts and stops a background aideps daemon for the CLI.
//
// A daemon is "running" when its HTTP API answers. Start launches
// `aideps daemon` detached from the terminal and polls the API until it
// responds; Stop sends SIGTERM to the pid the daemon reports (or the pid file
// in the log directory) and escalates to SIGKILL after a grace period.
package daemonctl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/sys/unix"

	"aideps/internal/api"
	"aideps/internal/apiclient"
	"aideps/internal/daemonrun"
)

const pollInterval = 200 * time.Millisecond

// ErrDaemonNotRunning indicates neither the API nor the pid file found a daemon.
var ErrDaemonNotRunning = errors.New("daemon not running")

// Prober reports the status of a running daemon; *apiclient.Client satisfies it.
type Prober interface {
	Status(ctx context.Context) (*api.DaemonStatus, error)
}

// LaunchOptions controls daemon process launch behavior.
type LaunchOptions struct {
	ConfigPath string
	APIAddress string
	LogLevel   string
}

// StartState describes how Start found or left the daemon.
type StartState string

const (
	StartStateStarted        StartState = "started"
	StartStateAlreadyRunning StartState = "already_running"
)

// StartResult captures daemon start orchestration state.
type StartResult struct {
	State StartState
	PID   int
}

// StopResult captures daemon stop outcome.
type StopResult struct {
	PID        int
	ForcedKill bool
}

// RestartResult captures stop/start outcomes for daemon restart.
type RestartResult struct {
	WasRunning bool
	Stop       StopResult
	Start      StartResult
}

// Launch starts a detached aideps daemon process.
func Launch(executablePath string, opts LaunchOptions) error {
	if strings.TrimSpace(executablePath) == "" {
		return fmt.Errorf("resolve executable: executable path is empty")
	}
	args := []string{"daemon"}
	if cfg := strings.TrimSpace(opts.ConfigPath); cfg != "" {
		args = append(args, "--config", cfg)
	}
	if addr := strings.TrimSpace(opts.APIAddress); addr != "" {
		args = append(args, "--api", addr)
	}
	if level := strings.TrimSpace(opts.LogLevel); level != "" {
		args = append(args, "--log-level", level)
	}

	proc := exec.Command(executablePath, args...)
	proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := proc.Start(); err != nil {
		return fmt.Errorf("launch daemon: %w", err)
	}
	return proc.Process.Release()
}

// WaitForDaemon polls until the API answers or timeout elapses.
func WaitForDaemon(ctx context.Context, prober Prober, timeout time.Duration) (*api.DaemonStatus, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		status  *api.DaemonStatus
		lastErr error
	)
	err := retry.Do(
		func() error {
			current, err := prober.Status(waitCtx)
			if err != nil {
				lastErr = err
				return err
			}
			status = current
			return nil
		},
		retry.Context(waitCtx),
		retry.Attempts(0),
		retry.Delay(pollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err == nil {
		return status, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if lastErr == nil {
		lastErr = errors.New("timeout waiting for daemon")
	}
	return nil, fmt.Errorf("daemon failed to start: %w", lastErr)
}

// EnsureStarted launches the daemon unless its API already answers.
func EnsureStarted(ctx context.Context, prober Prober, executablePath string, opts LaunchOptions, waitTimeout time.Duration) (StartResult, error) {
	if status, err := prober.Status(ctx); err == nil {
		return StartResult{State: StartStateAlreadyRunning, PID: status.PID}, nil
	} else if !errors.Is(err, apiclient.ErrDaemonUnavailable) {
		return StartResult{}, err
	}
	if err := Launch(executablePath, opts); err != nil {
		return StartResult{}, err
	}
	status, err := WaitForDaemon(ctx, prober, waitTimeout)
	if err != nil {
		return StartResult{}, err
	}
	return StartResult{State: StartStateStarted, PID: status.PID}, nil
}

// Stop terminates the daemon. The pid comes from the API when reachable,
// else from the pid file in logDir.
func Stop(ctx context.Context, prober Prober, logDir string, grace time.Duration) (StopResult, error) {
	pid := 0
	if status, err := prober.Status(ctx); err == nil {
		pid = status.PID
	}
	if pid <= 0 {
		pid = daemonrun.ReadPID(logDir)
	}
	if pid <= 0 || !processAlive(pid) {
		removePIDFile(logDir)
		return StopResult{}, ErrDaemonNotRunning
	}
	if pid == os.Getpid() {
		return StopResult{}, fmt.Errorf("refusing to signal current process (pid %d)", pid)
	}

	result := StopResult{PID: pid}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return result, fmt.Errorf("signal daemon process %d: %w", pid, err)
	}
	if waitForExit(ctx, pid, grace) {
		return result, nil
	}

	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return result, fmt.Errorf("kill daemon process %d: %w", pid, err)
	}
	result.ForcedKill = true
	waitForExit(ctx, pid, grace)
	removePIDFile(logDir)
	return result, nil
}

// Restart stops the daemon if running, then starts it.
func Restart(ctx context.Context, prober Prober, logDir, executablePath string, opts LaunchOptions, stopGrace, startTimeout time.Duration) (RestartResult, error) {
	stopResult, stopErr := Stop(ctx, prober, logDir, stopGrace)
	if stopErr != nil && !errors.Is(stopErr, ErrDaemonNotRunning) {
		return RestartResult{}, stopErr
	}
	startResult, err := EnsureStarted(ctx, prober, executablePath, opts, startTimeout)
	if err != nil {
		return RestartResult{}, err
	}
	return RestartResult{WasRunning: stopErr == nil, Stop: stopResult, Start: startResult}, nil
}

// processAlive probes pid with signal 0; EPERM still means it exists.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

var errStillRunning = errors.New("process still running")

func waitForExit(ctx context.Context, pid int, timeout time.Duration) bool {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := retry.Do(
		func() error {
			if processAlive(pid) {
				return errStillRunning
			}
			return nil
		},
		retry.Context(waitCtx),
		retry.Attempts(0),
		retry.Delay(pollInterval/4),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	return err == nil
}

func removePIDFile(logDir string) {
	if strings.TrimSpace(logDir) == "" {
		return
	}
	_ = os.Remove(filepath.Join(logDir, daemonrun.PIDFileName))
}
