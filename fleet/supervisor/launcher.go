package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// LaunchSpec describes one emulator launch.
type LaunchSpec struct {
	Instance string
	DeviceID string
	AVDName  string
	Port     int
	Accel    AccelToken
	Binary   string
	Args     []string
	Output   io.Writer // Receives combined stdout and stderr.
}

// Process is a handle on a launched emulator. Exited is closed once the
// process has been reaped; ExitErr is valid after that.
type Process interface {
	PID() int
	Exited() <-chan struct{}
	ExitErr() error
	Signal(sig os.Signal) error
	Kill() error
}

// Launcher starts emulator processes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// EmulatorArgs builds the emulator command line for spec.
func EmulatorArgs(spec LaunchSpec, memoryMB int, extra []string) []string {
	args := []string{
		"@" + spec.AVDName,
		"-port", fmt.Sprintf("%d", spec.Port),
		"-no-snapshot-load",
		"-accel", spec.Accel.EmulatorFlag(),
		"-gpu", "auto",
	}
	if memoryMB > 0 {
		args = append(args, "-memory", fmt.Sprintf("%d", memoryMB))
	}
	return append(args, extra...)
}

// ExecLauncher launches emulators as child processes of this one.
type ExecLauncher struct{}

// Launch starts the binary. The process is not tied to ctx: it must outlive
// the request that started it.
func (ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.Env = os.Environ()
	if spec.Output != nil {
		cmd.Stdout = spec.Output
		cmd.Stderr = spec.Output
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &execProcess{cmd: cmd, exited: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.exited)
	}()
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	exited chan struct{}

	mu  sync.Mutex
	err error
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Exited() <-chan struct{} {
	return p.exited
}

func (p *execProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}
