// Command keyaggbench drives a keyagg aggregator with concurrent workers
// and checks the result against a sequential reference.
package main

import (
	"os"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
