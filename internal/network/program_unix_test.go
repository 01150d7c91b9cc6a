//go:build unix

package network

import (
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProgramNetwork(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("no shell available")
	}
	loop := startLoop(t)
	cfg := testConfig()
	cfg.Target = &ProgramTarget{
		Command: sh,
		Args: []string{"-c",
			`read nick; read user; printf ':fake 001 bob :Welcome\r\n:fake 422 bob :No MOTD\r\n'; echo started >&2; exec cat >/dev/null`},
	}
	n := New(cfg, loop, Options{})
	obs := newObserver()
	require.NoError(t, loop.Do(func() { n.AddObserver(obs) }))
	connect(t, loop, n)

	wait(t, obs.ready, "ready")
	require.NoError(t, loop.Do(func() {
		require.NotNil(t, n.NetworkState())
		require.Equal(t, "fake", n.ServerName())
		n.Close("done")
	}))
}

func TestProgramMissing(t *testing.T) {
	loop := startLoop(t)
	cfg := testConfig()
	cfg.Target = &ProgramTarget{Command: "/nonexistent/ircd"}
	n := New(cfg, loop, Options{})
	connect(t, loop, n)
	require.Equal(t, ReconnectPending, stateOf(t, loop, n))
}
