//go:build windows

package procgroup

import (
	"os"
	"os/exec"
	"syscall"
)

func SetProcGrp(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// Interrupt stops p. Console control events cannot target a detached group,
// so the process is killed.
func Interrupt(p *os.Process) error {
	return p.Kill()
}
