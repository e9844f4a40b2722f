package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// NotifyContext is cancelled on the first SIGINT/SIGTERM. A second signal
// exits the process immediately so a stuck container teardown can be
// abandoned from the terminal.
func NotifyContext(parent context.Context, onSignal func(os.Signal)) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigs := make(chan os.Signal, 2)
	done := make(chan struct{})
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigs:
			if onSignal != nil {
				onSignal(sig)
			}
			cancel()
		case <-done:
			return
		}
		select {
		case <-sigs:
			os.Exit(1)
		case <-done:
		}
	}()

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			signal.Stop(sigs)
			close(done)
			cancel()
		})
	}
}
