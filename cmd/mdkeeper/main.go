// Package main is the entry point for the mdkeeper CLI.
package main

import (
	"os"

	"github.com/mdkeeper/mdkeeper/cmd/mdkeeper/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
