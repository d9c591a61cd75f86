package pool

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// Process is one running worker incarnation.
type Process interface {
	PID() int
	// Wait blocks until the process exits. It must be called exactly once.
	Wait() error
	// Terminate asks the process to exit gracefully (SIGTERM).
	Terminate() error
	// Kill forcibly ends the process.
	Kill() error
}

// Launcher spawns worker processes. Production uses ExecLauncher; tests
// substitute a fake.
type Launcher interface {
	Launch(ctx context.Context, port int) (Process, error)
}

// ExecLauncher launches workers with os/exec. Command is the argv template;
// every occurrence of "{port}" is substituted with the slot's listen port.
type ExecLauncher struct {
	Command []string
}

// Launch starts one worker process listening on port.
func (l ExecLauncher) Launch(_ context.Context, port int) (Process, error) {
	if len(l.Command) == 0 {
		return nil, fmt.Errorf("pool: worker command required")
	}
	argv := make([]string, len(l.Command))
	for i, arg := range l.Command {
		argv[i] = strings.ReplaceAll(arg, "{port}", strconv.Itoa(port))
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("pool: launch worker on port %d: %w", port, err)
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}

func (p *execProcess) Terminate() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
