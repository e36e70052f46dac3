package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ruteri/cloud-evidence-backend/acquisition"
	"github.com/ruteri/cloud-evidence-backend/cmd/flags"
	"github.com/ruteri/cloud-evidence-backend/common"
	"github.com/ruteri/cloud-evidence-backend/interfaces"
	"github.com/ruteri/cloud-evidence-backend/metrics"
	"github.com/ruteri/cloud-evidence-backend/retry"
	"github.com/urfave/cli/v2"
)

var flagDevice = &cli.StringFlag{
	Name:     "device",
	Required: true,
	Usage:    "device to acquire, glob patterns such as /dev/disk/by-id/*vol0abc* are resolved to a single device",
}
var flagDestination = &cli.StringFlag{
	Name:     "destination",
	Required: true,
	Usage:    "image destination: file:///dir/prefix or s3://bucket/prefix?region=...",
}
var flagAlgorithms = &cli.StringFlag{
	Name:  "algorithms",
	Value: "sha256",
	Usage: "comma separated digests: md5, sha1, sha256, sha512, sha3-256, blake3",
}
var flagOffset = &cli.Int64Flag{
	Name:  "offset",
	Usage: "first byte to acquire",
}
var flagLength = &cli.Int64Flag{
	Name:  "length",
	Usage: "bytes to acquire, 0 reads to the end of the device",
}
var flagChunkSize = &cli.StringFlag{
	Name:  "chunk-size",
	Value: "64MB",
	Usage: "read and upload unit",
}
var flagPoolSize = &cli.IntFlag{
	Name:  "pool-size",
	Value: acquisition.DefaultPoolSize,
	Usage: "chunks held in memory at most",
}
var flagVerify = &cli.BoolFlag{
	Name:  "verify",
	Value: true,
	Usage: "re-read the uploaded image and compare digests",
}
var flagOnComplete = &cli.StringFlag{
	Name:  "on-complete",
	Usage: "command run once the agent is done, whatever the outcome (e.g. 'shutdown -h now')",
}
var flagAgentMetricsAddr = &cli.StringFlag{
	Name:  "metrics-addr",
	Usage: "address to serve Prometheus metrics on, disabled when empty",
}

func main() {
	app := &cli.App{
		Name:  "acquire",
		Usage: "Stream a block device into an evidence image with digests",
		Flags: append([]cli.Flag{
			flagDevice,
			flagDestination,
			flagAlgorithms,
			flagOffset,
			flagLength,
			flagChunkSize,
			flagPoolSize,
			flagVerify,
			flagOnComplete,
			flagAgentMetricsAddr,
			flags.CustodyFlag,
			flags.LogServiceFlagFn("acquire"),
		}, flags.CommonFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			err := acquire(cCtx, logger)

			if command := strings.Fields(cCtx.String(flagOnComplete.Name)); len(command) > 0 {
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				defer cancel()
				if serr := acquisition.SignalCompletion(ctx, command, logger); serr != nil {
					logger.Error("Completion command failed", "err", serr)
				}
			}
			return err
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func acquire(cCtx *cli.Context, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	device, err := acquisition.ResolveDevice(cCtx.String(flagDevice.Name))
	if err != nil {
		logger.Error("Failed to resolve device", "err", err)
		return err
	}
	algorithms, err := interfaces.ParseDigestAlgorithms(cCtx.String(flagAlgorithms.Name))
	if err != nil {
		return err
	}
	chunkSize, err := flags.ParseSize(cCtx.String(flagChunkSize.Name))
	if err != nil {
		return err
	}

	records, err := flags.OpenCustodyStore(cCtx.StringSlice(flags.CustodyFlag.Name), logger)
	if err != nil {
		logger.Error("Failed to open custody store", "err", err)
		return err
	}

	metricsSrv, err := metrics.New(common.PackageName, cCtx.String(flagAgentMetricsAddr.Name))
	if err != nil {
		return err
	}
	if addr := cCtx.String(flagAgentMetricsAddr.Name); addr != "" {
		go func() {
			logger.Info("Starting metrics server", slog.String("metricsAddress", addr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", "err", err)
			}
		}()
		defer metricsSrv.Shutdown(context.Background())
	}

	destination := cCtx.String(flagDestination.Name)
	sink, err := acquisition.OpenSink(ctx, destination, logger)
	if err != nil {
		logger.Error("Failed to open destination", "err", err)
		return err
	}

	pipeline := acquisition.New(acquisition.Config{
		PoolSize: cCtx.Int(flagPoolSize.Name),
		Metrics:  metricsSrv.Metrics,
	}, sink, retry.NewExecutor(logger), logger)

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				read, uploaded := pipeline.Progress()
				logger.Info("Acquisition progress",
					slog.Int64("read", read),
					slog.Int64("uploaded", uploaded))
			}
		}
	}()

	manifest, err := pipeline.Run(ctx, interfaces.AcquisitionJob{
		Device:      device,
		Destination: destination,
		Algorithms:  algorithms,
		Offset:      cCtx.Int64(flagOffset.Name),
		Length:      cCtx.Int64(flagLength.Name),
		ChunkSize:   int(chunkSize),
	})
	if err != nil {
		return err
	}

	if cCtx.Bool(flagVerify.Name) {
		if err := acquisition.Verify(ctx, sink, manifest, logger); err != nil {
			logger.Error("Image verification failed", "err", err)
			return err
		}
	}

	if records != nil {
		data, err := json.Marshal(manifest)
		if err != nil {
			return err
		}
		id, err := records.Store(ctx, data, interfaces.ManifestRecord)
		if err != nil {
			logger.Error("Failed to store manifest custody record", "err", err)
			return err
		}
		logger.Info("Stored manifest custody record", slog.String("contentID", id.String()))
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(manifest)
}
