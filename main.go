// Package main is the entry point for the chainwatch alert engine.
package main

import (
	"fmt"
	"os"

	"chainwatch/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
