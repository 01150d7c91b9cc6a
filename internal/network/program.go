package network

import (
	"bufio"
	"io"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// superviseChild logs the child's stderr and reaps it once stderr closes
func superviseChild(cmd *exec.Cmd, stderr io.Reader, log zerolog.Logger) {
	go func() {
		reader := bufio.NewReader(stderr)
		for {
			line, err := reader.ReadString('\n')
			if line = strings.TrimRight(line, "\r\n"); line != "" {
				log.Info().Str("stderr", line).Msg("Program stderr")
			}
			if err != nil {
				break
			}
		}
		if err := cmd.Wait(); err != nil {
			log.Info().Err(err).Msg("Program exited")
			return
		}
		log.Debug().Msg("Program exited")
	}()
}

// stopChild kills a program network's child; superviseChild reaps it
func stopChild(cmd *exec.Cmd) {
	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
	}
}
