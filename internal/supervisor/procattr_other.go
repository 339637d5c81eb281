//go:build !unix

package supervisor

import (
	"os/exec"
)

func isolate(*exec.Cmd) {}

func kill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
