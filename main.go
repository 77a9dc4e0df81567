package main

import (
	"os"

	"github.com/wegman-software/osmtiledb/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
