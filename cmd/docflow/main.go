package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ChuLiYu/docflow/internal/cli"
)

func main() {
	cmd := cli.BuildCLI()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
