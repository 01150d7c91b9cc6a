//go:build unix

package network

import (
	"fmt"
	"net"
	"os"
	"os/exec"

	"github.com/jelmer/ctrlproxy/internal/transport"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// startProgram runs the target with one end of a socket pair as its stdin
// and stdout
func startProgram(t *ProgramTarget, log zerolog.Logger) (transport.Endpoint, *exec.Cmd, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create socket pair: %w", err)
	}
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])
	parent := os.NewFile(uintptr(fds[0]), "ctrlproxy-program")
	child := os.NewFile(uintptr(fds[1]), "ctrlproxy-program-child")
	defer child.Close()

	cmd := exec.Command(t.Command, t.Args...)
	cmd.Stdin = child
	cmd.Stdout = child
	stderr, err := cmd.StderrPipe()
	if err != nil {
		parent.Close()
		return nil, nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		parent.Close()
		return nil, nil, fmt.Errorf("failed to start %s: %w", t.Command, err)
	}
	superviseChild(cmd, stderr, log)

	conn, err := net.FileConn(parent)
	parent.Close()
	if err != nil {
		stopChild(cmd)
		return nil, nil, fmt.Errorf("failed to wrap socket: %w", err)
	}
	return &programEndpoint{Endpoint: transport.FromConn(conn), name: t.Command}, cmd, nil
}

type programEndpoint struct {
	transport.Endpoint
	name string
}

func (p *programEndpoint) PeerName() string { return p.name }
