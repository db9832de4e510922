// Package main is the entry point for the rivulet CLI.
package main

import (
	"fmt"
	"os"

	"github.com/inlet-dev/rivulet/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
