// Command pupstore appends to, reads and follows streams of a configured event store.
//
// The backend is selected by a YAML file (--config) and PUPSTORE_* environment
// variables. Payloads are JSON documents.
//
// Usage:
//
//	pupstore append order-1 '{"type":"created"}' '{"type":"paid"}'
//	pupstore read order-1 --from 1
//	pupstore tail order-1
//	pupstore tail --all
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
