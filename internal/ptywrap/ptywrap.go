// Package ptywrap runs a command on a pseudo-terminal so interactive agents
// behave as if attached to the user's terminal, while every byte they print
// is also copied to a transcript.
package ptywrap

import (
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/creack/pty"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// drainTimeout bounds how long Wait keeps copying output after the process
// exits, for grandchildren that keep the terminal open.
const drainTimeout = 2 * time.Second

type Session struct {
	cmd      *exec.Cmd
	ptmx     *os.File
	restore  func()
	stopSize func()
	copied   chan struct{}
}

// Start launches cmd on a new pseudo-terminal. Output goes to out and to
// every transcript writer. When in is a terminal it is put in raw mode and
// its size is mirrored onto the pseudo-terminal until Wait returns.
func Start(cmd *exec.Cmd, in *os.File, out io.Writer, transcript ...io.Writer) (*Session, error) {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cmd:      cmd,
		ptmx:     ptmx,
		restore:  func() {},
		stopSize: func() {},
		copied:   make(chan struct{}),
	}

	if in != nil && term.IsTerminal(int(in.Fd())) {
		_ = pty.InheritSize(in, ptmx)
		s.stopSize = watchSize(in, ptmx)
		if state, err := term.MakeRaw(int(in.Fd())); err == nil {
			s.restore = func() { _ = term.Restore(int(in.Fd()), state) }
		}
	}
	if in != nil {
		// Never joined: a read on in blocks until the user types, and the
		// wrapper exits right after Wait.
		go func() { _, _ = io.Copy(ptmx, in) }()
	}

	sinks := make([]*sink, len(transcript))
	for i, w := range transcript {
		sinks[i] = &sink{w: w}
	}
	go func() {
		defer close(s.copied)
		buf := make([]byte, 32*1024)
		for {
			n, err := ptmx.Read(buf)
			if n > 0 {
				_, _ = out.Write(buf[:n])
				for _, k := range sinks {
					k.write(buf[:n])
				}
			}
			if err != nil {
				return
			}
		}
	}()

	return s, nil
}

// sink is a transcript writer that stops receiving output after its first
// error, so a broken transcript never stalls the terminal.
type sink struct {
	w      io.Writer
	failed bool
}

func (k *sink) write(p []byte) {
	if k.failed {
		return
	}
	if _, err := k.w.Write(p); err != nil {
		k.failed = true
		log.Warn().Err(err).Msg("transcript write failed, dropping further output")
	}
}

// Wait waits for the command to exit, drains its remaining output and
// restores the terminal.
func (s *Session) Wait() error {
	err := s.cmd.Wait()

	select {
	case <-s.copied:
	case <-time.After(drainTimeout):
	}
	s.ptmx.Close()
	s.stopSize()
	s.restore()
	return err
}
