//go:build unix

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"connq/internal/connmgr"
)

// watchFreezeSignals maps SIGUSR1 to FreezeAll and SIGUSR2 to UnfreezeAll.
func watchFreezeSignals(ctx context.Context, m *connmgr.Manager) func() {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, syscall.SIGUSR1, syscall.SIGUSR2)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-ch:
				if sig == syscall.SIGUSR1 {
					m.FreezeAll()
				} else {
					m.UnfreezeAll()
				}
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		<-done
	}
}
