//go:build !unix

package network

import (
	"fmt"
	"os/exec"

	"github.com/jelmer/ctrlproxy/internal/transport"
	"github.com/rs/zerolog"
)

// startProgram runs the target with pipes as its stdin and stdout
func startProgram(t *ProgramTarget, log zerolog.Logger) (transport.Endpoint, *exec.Cmd, error) {
	cmd := exec.Command(t.Command, t.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		return nil, nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, nil, fmt.Errorf("failed to start %s: %w", t.Command, err)
	}
	superviseChild(cmd, stderr, log)
	return transport.FromPipes(stdout, stdin, t.Command), cmd, nil
}
