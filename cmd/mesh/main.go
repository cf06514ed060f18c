package main

import (
	"os"

	"github.com/hewenyu/kong-mesh/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
