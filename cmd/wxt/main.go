package main

import (
	"os"

	"github.com/bnema/webex-term/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
