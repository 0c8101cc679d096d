// Package main is the ragwire CLI entry point.
package main

import (
	"os"

	"github.com/hyperjump/ragwire/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
