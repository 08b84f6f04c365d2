package main

import (
	"os"

	"buildvault/cmd/bv/commands"
	"buildvault/pkg/interrupt"
)

func main() {
	interrupt.Install()
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
