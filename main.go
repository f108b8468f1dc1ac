package main

import (
	"os"

	"github.com/strongroom/strongroom/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
