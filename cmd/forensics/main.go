package main

import (
	"log"
	"os"

	"github.com/ruteri/cloud-evidence-backend/cmd/flags"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "forensics",
		Usage: "Copy volumes between cloud accounts and run analysis instances",
		Flags: append(append([]cli.Flag{
			flags.LogServiceFlagFn("forensics"),
		}, flags.CommonFlags...), flags.CloudFlags...),
		Commands: []*cli.Command{
			copyCommand,
			startAnalysisCommand,
			waitReadyCommand,
			teardownCommand,
			sweepKeysCommand,
			verifyCommand,
			custodyCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
