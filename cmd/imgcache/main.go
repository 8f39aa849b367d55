// Command imgcache loads images through a two-tier cache and inspects the
// cache directory.
//
//	imgcache get https://example.com/cat.png -o cat.jpg
//	imgcache warm --metrics-addr :9090 keys.txt
//	imgcache stat
//	imgcache rm oci://ghcr.io/acme/icons@sha256:...
//	imgcache clear
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}
