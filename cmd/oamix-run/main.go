// Copyright (c) OpenMMLab. All rights reserved.

package main

import (
	"context"
	"fmt"
	"os"

	"oamix/pkg/cli"
	"oamix/pkg/runner"
)

func main() {
	oamixRun := cli.NewOamixRunCommand()

	if err := oamixRun.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(runner.ExitCode(err))
	}
}
