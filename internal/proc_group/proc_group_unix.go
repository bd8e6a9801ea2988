//go:build !windows

// Package procgroup starts encoder child processes outside the terminal's
// foreground process group, so Ctrl-C reaches the recorder only and the
// children are stopped in order after the container is flushed.
package procgroup

import (
	"os"
	"os/exec"
	"syscall"
)

func SetProcGrp(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// Interrupt asks the process group led by p to exit.
func Interrupt(p *os.Process) error {
	if err := syscall.Kill(-p.Pid, syscall.SIGINT); err != nil {
		return p.Signal(os.Interrupt)
	}
	return nil
}
