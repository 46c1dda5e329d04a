package main

import (
	"os"

	"github.com/ericfisherdev/ledgerkeep/cmd/ledgerkeepctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
