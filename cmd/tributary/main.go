// Tributary runs a local devnet of Tributary validators.
//
// Run with:
//
//	go run ./cmd/tributary devnet --validators 4
//
// Metrics are served at http://localhost:9090/metrics.
package main

import (
	"context"
	"os"
)

func main() {
	if err := rootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
