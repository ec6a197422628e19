// Package main provides the entry point for the lexsearch CLI.
package main

import (
	"os"

	"github.com/Aman-CERP/lexsearch/cmd/lexsearch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
