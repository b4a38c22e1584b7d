//go:build !windows

package ptywrap

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/creack/pty"
)

// watchSize copies in's window size to ptmx on every SIGWINCH.
func watchSize(in, ptmx *os.File) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGWINCH)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ch:
				_ = pty.InheritSize(in, ptmx)
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}
