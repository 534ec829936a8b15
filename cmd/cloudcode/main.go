package main

import (
	"os"

	"github.com/Andrejs1979/cloud-code/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
