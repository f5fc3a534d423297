// Package main is the entry point for the locum daemon and CLI.
package main

import (
	"fmt"
	"os"

	"github.com/locum-sh/locum/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
