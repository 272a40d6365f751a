package pkgeval

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
)

// InterruptibleContext returns a context which is canceled once the process
// receives SIGINT or SIGTERM. The first signal requests an orderly shutdown:
// the scheduler stops admitting work and in-flight sandboxes are killed
// through their run contexts. Signal delivery is then restored to the
// default disposition, so a second signal terminates the process outright in
// case a sandbox child refuses to die.
func InterruptibleContext() (context.Context, context.CancelFunc) {
	ctx, canc := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Printf("received %v, shutting down (signal again to terminate immediately)", s)
		signal.Stop(sig)
		canc()
	}()
	return ctx, canc
}
