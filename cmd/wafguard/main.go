package main

import (
	"os"

	"github.com/tkingovr/wafguard/cmd/wafguard/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
