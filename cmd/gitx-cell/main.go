// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"

	"github.com/dot-do/gitx/pkg/version"
)

type App struct {
	Globals
	Serve Serve `cmd:"serve" help:"start a repository cell server"`
}

func main() {
	var app App
	ctx := kong.Parse(&app,
		kong.Name("gitx-cell"),
		kong.Description("gitx - per-repository git storage cells"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"version": version.GetVersionString(),
		},
	)
	if app.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if err := ctx.Run(&app.Globals); err != nil {
		os.Exit(exitCode(err))
	}
}
