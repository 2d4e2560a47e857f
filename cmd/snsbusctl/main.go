package main

import (
	"os"

	"github.com/lupppig/snsbus/cmd/snsbusctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
