package main

import (
	"os"

	"github.com/ashep-ai/ashep/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
