package main

import (
	"fmt"
	"os"

	"github.com/techops-services/keeperhub-sub010/cli"
)

func main() {
	if err := cli.RootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
