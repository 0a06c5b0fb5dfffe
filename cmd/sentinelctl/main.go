package main

import (
	"os"

	"github.com/sentineltrading/orchestrator/cmd/sentinelctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
