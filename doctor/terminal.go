package doctor

import (
	"context"
	"fmt"
	"os"

	"audioswitch/shutdown"

	"golang.org/x/term"
)

// guardTerminal saves the state of the terminal behind in, if any, and
// restores it when the returned func runs or the process is interrupted
// mid-check.
func guardTerminal(o *Options) func() {
	var restore func()
	if f, ok := o.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if state, err := term.GetState(int(f.Fd())); err == nil {
			restore = func() { term.Restore(int(f.Fd()), state) }
		}
	}

	ctx, stop := shutdown.Context(context.Background())
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			select {
			case <-done:
				return
			default:
			}
			if restore != nil {
				restore()
			}
			fmt.Fprintln(o.Out, "\nInterrupted")
			os.Exit(1)
		case <-done:
		}
	}()

	return func() {
		close(done)
		stop()
		if restore != nil {
			restore()
		}
	}
}
