// heapsim runs the persistent-heap programs against a local accounts store
// and keeps a ledger of every transaction it executes.
package main

import (
	"fmt"
	"os"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
