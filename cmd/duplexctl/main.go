// Command duplexctl is an interactive client for duplex endpoints. Lines
// read from stdin are sent as text messages and everything received is
// printed to stdout.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
