package relay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// process is a started command whose stdout and stderr share one pipe.
type process struct {
	cmd  *exec.Cmd
	out  *os.File // read end of the combined pipe
	sudo string   // escalation path for groups we may not signal directly
}

// killGroup is unix.Kill; tests replace it to simulate foreign groups.
var killGroup = unix.Kill

const sudoKillTimeout = 10 * time.Second

// spawn starts req in its own process group. Both output streams are wired
// to the same pipe so lines keep the order the OS delivered them in.
func spawn(req Request) (*process, error) {
	if req.Script != "" {
		if _, err := os.Stat(req.Script); err != nil {
			return nil, &SpawnError{Command: req.Script, Err: err}
		}
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Command: req.Command, Err: err}
	}

	cmd := exec.Command(req.Command, req.Args...)
	cmd.Dir = req.Dir
	cmd.Env = req.environ()
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, &SpawnError{Command: req.Command, Err: err}
	}
	// The child holds its own copy; EOF arrives once every writer is gone.
	_ = pw.Close()

	return &process{cmd: cmd, out: pr, sudo: req.Sudo}, nil
}

func (p *process) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// signal delivers sig to the whole process group. A group that is already
// gone is not an error. A group started through sudo belongs to root, so
// EPERM is retried as "sudo -n kill".
func (p *process) signal(sig syscall.Signal) error {
	pid := p.pid()
	if pid <= 0 {
		return nil
	}
	err := killGroup(-pid, sig)
	if errors.Is(err, unix.EPERM) && p.sudo != "" {
		err = p.sudoSignal(pid, sig)
	}
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func (p *process) sudoSignal(pgid int, sig syscall.Signal) error {
	ctx, cancel := context.WithTimeout(context.Background(), sudoKillTimeout)
	defer cancel()

	name := strings.TrimPrefix(unix.SignalName(sig), "SIG")
	cmd := exec.CommandContext(ctx, p.sudo, "-n", "kill", "-"+name, "--", "-"+strconv.Itoa(pgid))
	out, err := cmd.CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("%s kill -%s: %w: %s", p.sudo, name, err, msg)
		}
		return fmt.Errorf("%s kill -%s: %w", p.sudo, name, err)
	}
	return nil
}

// exitCode extracts the exit status after Wait. Signal deaths report -1.
func (p *process) exitCode(waitErr error) int {
	if state := p.cmd.ProcessState; state != nil {
		return state.ExitCode()
	}
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) && exitErr.ProcessState != nil {
		return exitErr.ProcessState.ExitCode()
	}
	return -1
}

const (
	sigTerm = unix.SIGTERM
	sigKill = unix.SIGKILL
)
