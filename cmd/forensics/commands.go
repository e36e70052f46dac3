package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/ruteri/cloud-evidence-backend/acquisition"
	"github.com/ruteri/cloud-evidence-backend/cmd/flags"
	"github.com/ruteri/cloud-evidence-backend/httpserver"
	"github.com/ruteri/cloud-evidence-backend/interfaces"
	"github.com/ruteri/cloud-evidence-backend/kms"
	"github.com/ruteri/cloud-evidence-backend/orchestrator"
	"github.com/ruteri/cloud-evidence-backend/provisioner"
	"github.com/ruteri/cloud-evidence-backend/retry"
	"github.com/urfave/cli/v2"
)

// env carries what every command needs from the global flags.
type env struct {
	log       *slog.Logger
	accounts  *flags.AccountsConfig
	connector interfaces.Connector
	executor  *retry.Executor
}

func setup(cCtx *cli.Context) (*env, error) {
	logger := flags.SetupLogger(cCtx)
	accounts, err := flags.LoadAccounts(cCtx.String(flags.AccountsFileFlag.Name))
	if err != nil {
		return nil, err
	}
	return &env{
		log:       logger,
		accounts:  accounts,
		connector: flags.NewConnector(cCtx, logger),
		executor:  retry.NewExecutor(logger),
	}, nil
}

func (e *env) provisioner(cCtx *cli.Context) *provisioner.Provisioner {
	return provisioner.New(provisioner.Config{
		ImageID: cCtx.String(flags.ImageFlag.Name),
	}, e.connector, e.executor, e.log)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseTags(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	tags := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: tag %q is not key=value", interfaces.ErrInvalidRequest, pair)
		}
		tags[k] = v
	}
	return tags, nil
}

// storeRecord writes v to the custody stores named by --custody, if any.
func storeRecord(ctx context.Context, cCtx *cli.Context, log *slog.Logger, recordType interfaces.RecordType, v any) error {
	records, err := flags.OpenCustodyStore(cCtx.StringSlice(flags.CustodyFlag.Name), log)
	if err != nil || records == nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	id, err := records.Store(ctx, data, recordType)
	if err != nil {
		return fmt.Errorf("storing %s custody record: %w", recordType, err)
	}
	log.Info("Stored custody record",
		slog.String("type", recordType.String()),
		slog.String("contentID", id.String()))
	return nil
}

var flagAccount = &cli.StringFlag{
	Name:     "account",
	Required: true,
	Usage:    "account alias from the accounts file, or <provider>[/<profile>]",
}
var flagZone = &cli.StringFlag{
	Name:     "zone",
	Required: true,
	Usage:    "availability zone",
}
var flagInstance = &cli.StringFlag{
	Name:     "instance",
	Required: true,
	Usage:    "instance id",
}
var flagTag = &cli.StringSliceFlag{
	Name:  "tag",
	Usage: "key=value tag applied to created resources, repeatable",
}

var copyCommand = &cli.Command{
	Name:  "copy",
	Usage: "Copy a volume, or the boot volume of an instance, into another account or zone",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "source", Required: true, Usage: "source account"},
		&cli.StringFlag{Name: "destination", Usage: "destination account, defaults to the source"},
		&cli.StringFlag{Name: "source-zone", Required: true},
		&cli.StringFlag{Name: "destination-zone", Usage: "defaults to the source zone"},
		&cli.StringFlag{Name: "volume", Usage: "volume id"},
		&cli.StringFlag{Name: "instance", Usage: "instance id whose boot volume is copied"},
		&cli.DurationFlag{Name: "deadline", Value: 6 * time.Hour},
		&cli.DurationFlag{Name: "share-ttl", Value: time.Hour},
		flagTag,
	},
	Action: func(cCtx *cli.Context) error {
		e, err := setup(cCtx)
		if err != nil {
			return err
		}
		src, err := e.accounts.Resolve(cCtx.String("source"))
		if err != nil {
			return err
		}
		var dst interfaces.Account
		if ref := cCtx.String("destination"); ref != "" {
			if dst, err = e.accounts.Resolve(ref); err != nil {
				return err
			}
		}
		tags, err := parseTags(cCtx.StringSlice(flagTag.Name))
		if err != nil {
			return err
		}
		ledger, err := kms.OpenLedger(cCtx.String(flags.LedgerFlag.Name), e.log)
		if err != nil {
			return err
		}

		copier := orchestrator.New(orchestrator.Config{
			Deadline: cCtx.Duration("deadline"),
			ShareTTL: cCtx.Duration("share-ttl"),
		}, e.connector, e.executor, ledger, e.log)

		ctx, stop := signalContext()
		defer stop()

		req := interfaces.VolumeCopyRequest{
			Source:          src,
			Destination:     dst,
			SourceZone:      cCtx.String("source-zone"),
			DestinationZone: cCtx.String("destination-zone"),
			VolumeID:        cCtx.String("volume"),
			InstanceID:      cCtx.String("instance"),
			Tags:            tags,
		}
		result, err := copier.CopyVolume(ctx, req)
		if err != nil {
			if result.VolumeID == "" {
				return err
			}
			e.log.Warn("Volume copied but cleanup failed", "err", err)
		}

		if err := storeRecord(ctx, cCtx, e.log, interfaces.CopyRecord, httpserver.CopyRecord{
			Request:    req,
			Result:     result,
			RecordedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}
		return printJSON(result)
	},
}

var startAnalysisCommand = &cli.Command{
	Name:  "start-analysis-vm",
	Usage: "Start an analysis instance with evidence volumes attached",
	Flags: []cli.Flag{
		flagAccount,
		flagZone,
		&cli.StringFlag{Name: "name", Required: true, Usage: "instance name, an existing instance with this name is reused"},
		&cli.IntFlag{Name: "cores", Value: 2},
		&cli.StringFlag{Name: "boot-disk-size", Value: "50GB"},
		&cli.StringSliceFlag{Name: "attach", Usage: "volume-id[:device], repeatable"},
		&cli.StringSliceFlag{Name: "package", Usage: "package installed at boot, repeatable"},
		&cli.PathFlag{Name: "startup-script", Usage: "script run at boot instead of the package installation"},
		&cli.DurationFlag{Name: "wait", Usage: "wait for the bootstrap to finish, 0 returns immediately"},
		&cli.PathFlag{Name: "key-out", Usage: "write the private key to this file instead of stdout"},
		flagTag,
	},
	Action: func(cCtx *cli.Context) error {
		e, err := setup(cCtx)
		if err != nil {
			return err
		}
		account, err := e.accounts.Resolve(cCtx.String(flagAccount.Name))
		if err != nil {
			return err
		}
		tags, err := parseTags(cCtx.StringSlice(flagTag.Name))
		if err != nil {
			return err
		}
		var diskSize datasize.ByteSize
		if err := diskSize.UnmarshalText([]byte(cCtx.String("boot-disk-size"))); err != nil {
			return fmt.Errorf("%w: boot disk size: %w", interfaces.ErrInvalidRequest, err)
		}

		req := provisioner.AnalysisInstanceRequest{
			Name:           cCtx.String("name"),
			Account:        account,
			Zone:           cCtx.String(flagZone.Name),
			BootDiskSizeGB: int64(diskSize.GBytes()),
			CPUCores:       cCtx.Int("cores"),
			Packages:       cCtx.StringSlice("package"),
			ImageID:        cCtx.String(flags.ImageFlag.Name),
			Tags:           tags,
		}
		for _, spec := range cCtx.StringSlice("attach") {
			volumeID, device, _ := strings.Cut(spec, ":")
			req.AttachVolumes = append(req.AttachVolumes, provisioner.VolumeAttachment{VolumeID: volumeID, Device: device})
		}
		if path := cCtx.Path("startup-script"); path != "" {
			script, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			req.StartupScriptOverride = string(script)
		}

		ctx, stop := signalContext()
		defer stop()

		prov := e.provisioner(cCtx)
		handle, creds, err := prov.StartAnalysisInstance(ctx, req)
		if err != nil {
			return err
		}
		if err := storeRecord(ctx, cCtx, e.log, interfaces.InstanceRecord, httpserver.InstanceRecord{
			Request:    req,
			Instance:   *handle,
			RecordedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}

		if keyOut := cCtx.Path("key-out"); keyOut != "" && creds != nil {
			if err := os.WriteFile(keyOut, []byte(creds.PrivateKeyPEM), 0o600); err != nil {
				return err
			}
			e.log.Info("Wrote private key", slog.String("path", keyOut))
			creds.PrivateKeyPEM = ""
		}

		if wait := cCtx.Duration("wait"); wait > 0 {
			if err := prov.WaitReady(ctx, handle, wait); err != nil {
				return err
			}
		}

		return printJSON(struct {
			Instance    *provisioner.InstanceHandle     `json:"instance"`
			Credentials *provisioner.InitialCredentials `json:"credentials,omitempty"`
		}{handle, creds})
	},
}

func handleFromFlags(e *env, cCtx *cli.Context) (*provisioner.InstanceHandle, error) {
	account, err := e.accounts.Resolve(cCtx.String(flagAccount.Name))
	if err != nil {
		return nil, err
	}
	return &provisioner.InstanceHandle{
		ID:      cCtx.String(flagInstance.Name),
		Account: account,
		Zone:    cCtx.String(flagZone.Name),
	}, nil
}

var waitReadyCommand = &cli.Command{
	Name:  "wait-ready",
	Usage: "Wait until an analysis instance finished its bootstrap",
	Flags: []cli.Flag{
		flagAccount,
		flagZone,
		flagInstance,
		&cli.DurationFlag{Name: "timeout", Value: 10 * time.Minute},
	},
	Action: func(cCtx *cli.Context) error {
		e, err := setup(cCtx)
		if err != nil {
			return err
		}
		handle, err := handleFromFlags(e, cCtx)
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()
		return e.provisioner(cCtx).WaitReady(ctx, handle, cCtx.Duration("timeout"))
	},
}

var teardownCommand = &cli.Command{
	Name:  "teardown",
	Usage: "Terminate an analysis instance",
	Flags: []cli.Flag{flagAccount, flagZone, flagInstance},
	Action: func(cCtx *cli.Context) error {
		e, err := setup(cCtx)
		if err != nil {
			return err
		}
		handle, err := handleFromFlags(e, cCtx)
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()
		return e.provisioner(cCtx).Teardown(ctx, handle)
	},
}

var sweepKeysCommand = &cli.Command{
	Name:  "sweep-keys",
	Usage: "Disable and schedule deletion of ephemeral keys left behind by interrupted copies",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{Name: "account", Usage: "accounts to sweep, defaults to every configured account"},
		&cli.StringSliceFlag{Name: "region", Usage: "regions to sweep, defaults to sweep_regions of the accounts file"},
		&cli.DurationFlag{Name: "min-age", Value: kms.DefaultSweepMinAge, Usage: "skip keys younger than this, a running copy may still hold them (0 sweeps every key)"},
	},
	Action: func(cCtx *cli.Context) error {
		e, err := setup(cCtx)
		if err != nil {
			return err
		}
		ledger, err := kms.OpenLedger(cCtx.String(flags.LedgerFlag.Name), e.log)
		if err != nil {
			return err
		}

		accounts := e.accounts.AccountList()
		if refs := cCtx.StringSlice("account"); len(refs) > 0 {
			accounts = accounts[:0]
			for _, ref := range refs {
				account, err := e.accounts.Resolve(ref)
				if err != nil {
					return err
				}
				accounts = append(accounts, account)
			}
		}
		regions := e.accounts.SweepRegions
		if r := cCtx.StringSlice("region"); len(r) > 0 {
			regions = r
		}

		ctx, stop := signalContext()
		defer stop()

		sweeper := &kms.AccountSweeper{
			Connector: e.connector,
			Ledger:    ledger,
			Executor:  e.executor,
			Accounts:  accounts,
			Regions:   regions,
			Log:       e.log,
			MinAge:    cCtx.Duration("min-age"),
		}
		swept, err := sweeper.SweepOutstanding(ctx)
		e.log.Info("Key sweep finished", slog.Int("swept", swept))
		return err
	},
}

var verifyCommand = &cli.Command{
	Name:  "verify",
	Usage: "Re-hash an acquired image and compare it with its manifest",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "destination", Required: true, Usage: "image destination the acquisition wrote to"},
	},
	Action: func(cCtx *cli.Context) error {
		e, err := setup(cCtx)
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		sink, err := acquisition.OpenSink(ctx, cCtx.String("destination"), e.log)
		if err != nil {
			return err
		}
		manifest, err := acquisition.LoadManifest(ctx, sink)
		if err != nil {
			return err
		}
		if err := acquisition.Verify(ctx, sink, manifest, e.log); err != nil {
			return err
		}
		return printJSON(manifest)
	},
}

var custodyCommand = &cli.Command{
	Name:  "custody",
	Usage: "Fetch a custody record",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "type", Required: true, Usage: "manifest, copy or instance"},
		&cli.StringFlag{Name: "id", Required: true, Usage: "content id"},
	},
	Action: func(cCtx *cli.Context) error {
		logger := flags.SetupLogger(cCtx)
		recordType, err := interfaces.ParseRecordType(cCtx.String("type"))
		if err != nil {
			return err
		}
		id, err := interfaces.NewContentIDFromHex(cCtx.String("id"))
		if err != nil {
			return err
		}
		records, err := flags.OpenCustodyStore(cCtx.StringSlice(flags.CustodyFlag.Name), logger)
		if err != nil {
			return err
		}
		if records == nil {
			return fmt.Errorf("%w: no custody store given", interfaces.ErrInvalidRequest)
		}
		data, err := records.Fetch(cCtx.Context, id, recordType)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(append(data, '\n'))
		return err
	},
}
