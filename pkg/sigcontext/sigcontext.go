package sigcontext

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
)

// SignalError is the cancellation cause of a context ended by a signal.
type SignalError struct {
	Signal os.Signal
}

func (e *SignalError) Error() string {
	return fmt.Sprintf("received signal %s", e.Signal)
}

// WithSignalCancel is a context that will cancel itself when a signal is sent
// to the process, context.Cause reports the signal as a *SignalError. The
// cancel function returned is responsible for freeing the signal handlers used
// and must be called. If a caller wants to default the signal handlers to the
// go runtime then the cancel must be called as soon as the derived context is
// Done() (ie: a second ^C, SIGINT, will cause the process to terminate).
func WithSignalCancel(ctx context.Context, sigs ...os.Signal) (context.Context, context.CancelFunc) {
	sigctx, ctxcancel := context.WithCancelCause(ctx)

	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, sigs...)

	var once sync.Once
	cancel := func() {
		ctxcancel(nil)
		once.Do(func() {
			signal.Stop(sigchan)
			close(sigchan)
		})
	}

	// Select on the signals coming in. The caller is required to call their
	// provided cancel function to release the signal channel and notificant.
	go func() {
		for {
			select {
			case <-sigctx.Done():
				return
			case sig, ok := <-sigchan:
				if !ok {
					continue
				}
				ctxcancel(&SignalError{Signal: sig})
			}
		}
	}()

	return sigctx, cancel
}
