package main

import (
	"os"

	"github.com/Swind/go-script-launcher/internal/cli"
)

func main() {
	if err := cli.NewRoot().Execute(); err != nil {
		os.Exit(1)
	}
}
