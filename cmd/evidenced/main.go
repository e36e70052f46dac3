package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/cloud-evidence-backend/cmd/flags"
	"github.com/ruteri/cloud-evidence-backend/common"
	"github.com/ruteri/cloud-evidence-backend/httpserver"
	"github.com/ruteri/cloud-evidence-backend/kms"
	"github.com/ruteri/cloud-evidence-backend/metrics"
	"github.com/ruteri/cloud-evidence-backend/orchestrator"
	"github.com/ruteri/cloud-evidence-backend/provisioner"
	"github.com/ruteri/cloud-evidence-backend/retry"
	"github.com/urfave/cli/v2"
)

var flagListenAddr = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for API",
}
var flagCopyDeadline = &cli.DurationFlag{
	Name:  "copy-deadline",
	Value: 6 * time.Hour,
	Usage: "upper bound for a single volume copy",
}
var flagShareTTL = &cli.DurationFlag{
	Name:  "share-ttl",
	Value: time.Hour,
	Usage: "validity of share tokens issued for staged copies",
}
var flagMaxWait = &cli.DurationFlag{
	Name:  "max-ready-wait",
	Value: time.Hour,
	Usage: "longest readiness wait a client may request",
}

// sweepMinAge spares keys that a copy in another replica may still hold.
func sweepMinAge(copyDeadline time.Duration) time.Duration {
	if copyDeadline <= 0 {
		return kms.DefaultSweepMinAge
	}
	return copyDeadline + orchestrator.DefaultCleanupTimeout
}

func main() {
	app := &cli.App{
		Name:  "evidenced",
		Usage: "Serve the cloud evidence API",
		Flags: append(append(append([]cli.Flag{
			flagListenAddr,
			flagCopyDeadline,
			flagShareTTL,
			flagMaxWait,
			flags.LogServiceFlagFn("evidenced"),
		}, flags.CommonFlags...), flags.ServerFlags...), flags.CloudFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			accounts, err := flags.LoadAccounts(cCtx.String(flags.AccountsFileFlag.Name))
			if err != nil {
				logger.Error("Failed to load accounts", "err", err)
				return err
			}

			ledger, err := kms.OpenLedger(cCtx.String(flags.LedgerFlag.Name), logger)
			if err != nil {
				logger.Error("Failed to open key ledger", "err", err)
				return err
			}

			records, err := flags.OpenCustodyStore(cCtx.StringSlice(flags.CustodyFlag.Name), logger)
			if err != nil {
				logger.Error("Failed to open custody store", "err", err)
				return err
			}
			if records == nil {
				logger.Warn("No custody store configured, operations will not be recorded")
			}

			metricsSrv, err := metrics.New(common.PackageName, cCtx.String(flags.MetricsAddrFlag.Name))
			if err != nil {
				logger.Error("Failed to create metrics server", "err", err)
				return err
			}

			connector := flags.NewConnector(cCtx, logger)
			executor := retry.NewExecutor(logger)

			copyDeadline := cCtx.Duration(flagCopyDeadline.Name)
			copier := orchestrator.New(orchestrator.Config{
				Deadline: copyDeadline,
				ShareTTL: cCtx.Duration(flagShareTTL.Name),
			}, connector, executor, ledger, logger)

			prov := provisioner.New(provisioner.Config{
				ImageID: cCtx.String(flags.ImageFlag.Name),
			}, connector, executor, logger)

			handler := httpserver.NewHandler(httpserver.HandlerOpts{
				Copier:      copier,
				Provisioner: prov,
				Sweeper: &kms.AccountSweeper{
					Connector: connector,
					Ledger:    ledger,
					Executor:  executor,
					Accounts:  accounts.AccountList(),
					Regions:   accounts.SweepRegions,
					Log:       logger,
					Live:      copier.LiveKeys(),
					MinAge:    sweepMinAge(copyDeadline),
				},
				Records:  records,
				Accounts: accounts.Accounts,
				MaxWait:  cCtx.Duration(flagMaxWait.Name),
				Metrics:  metricsSrv.Metrics,
				Log:      logger,
			})

			cfg := flags.ConfigureServer(cCtx, logger, cCtx.String(flagListenAddr.Name))
			server, err := httpserver.New(cfg, handler, metricsSrv)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			logger.Info("Starting server")
			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			logger.Info("Server shutdown complete")

			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
