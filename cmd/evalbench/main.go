package main

import (
	"fmt"
	"os"

	"github.com/evalbench/evalbench/internal/cli"
)

func main() {
	if err := cli.New().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cli.AppName, err)
		os.Exit(1)
	}
}
