package main

import (
	"os"

	"github.com/mikaelmello/pathprobe/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
