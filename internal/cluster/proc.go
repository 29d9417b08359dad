package cluster

import (
	"fmt"
	"os"
	"os/exec"
)

// WorkerEnv is set on spawned processes; its presence switches the binary
// into worker mode.
const WorkerEnv = "BASTION_WORKER_ID"

type execProc struct {
	cmd *exec.Cmd
}

func (p *execProc) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }
func (p *execProc) Wait() error                { return p.cmd.Wait() }
func (p *execProc) Kill() error                { return p.cmd.Process.Kill() }

// SelfExec re-executes the current binary as worker number id, inheriting the
// environment and standard streams.
func SelfExec(id int) (Proc, error) {
	bin, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	cmd := exec.Command(bin)
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", WorkerEnv, id))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %d: %w", id, err)
	}
	return &execProc{cmd: cmd}, nil
}
