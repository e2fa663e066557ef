package main

import (
	"os"

	"github.com/CodeMonkeyCybersecurity/seclab/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
