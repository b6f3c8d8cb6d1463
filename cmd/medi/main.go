package main

import (
	"os"

	"medi/cmd/medi/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
