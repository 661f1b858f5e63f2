package main

import (
	"os"

	"github.com/ricochet1k/concordia/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
