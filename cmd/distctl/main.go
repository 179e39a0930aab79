// distctl drives a distribution service over its HTTP API.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "distctl:", err)
		os.Exit(1)
	}
}
