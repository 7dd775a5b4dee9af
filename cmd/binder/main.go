package main

import (
	"os"

	"github.com/binder-project/binder/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
