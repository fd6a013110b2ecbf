package main

import (
	"os"

	"github.com/tjfontaine/agent-stream/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
