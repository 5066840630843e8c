package main

import (
	"fmt"
	"os"

	"github.com/tsarna/wmslive/cmd/wmslive/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
