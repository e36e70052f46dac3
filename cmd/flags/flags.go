package flags

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/google/uuid"
	"github.com/ruteri/cloud-evidence-backend/common"
	"github.com/ruteri/cloud-evidence-backend/httpserver"
	"github.com/ruteri/cloud-evidence-backend/interfaces"
	"github.com/ruteri/cloud-evidence-backend/providers"
	awsprovider "github.com/ruteri/cloud-evidence-backend/providers/aws"
	"github.com/ruteri/cloud-evidence-backend/providers/memory"
	"github.com/ruteri/cloud-evidence-backend/storage"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string) *httpserver.HTTPServerConfig {
	metricsAddr := cCtx.String(MetricsAddrFlag.Name)
	enablePprof := cCtx.Bool(PprofFlag.Name)
	drainDuration := time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second

	return &httpserver.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              metricsAddr,
		Log:                      logger,
		EnablePprof:              enablePprof,
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		// Copies and readiness waits hold the connection for a long time.
		WriteTimeout: 2 * time.Hour,
	}
}

// AccountsConfig is the accounts file. Aliases name credential profiles so
// requests never carry credentials themselves.
//
//	accounts:
//	  victim:
//	    provider: aws
//	    profile: victim-readonly
//	  forensics:
//	    provider: aws
//	    profile: forensics
//	sweep_regions: [us-east-1, eu-west-1]
type AccountsConfig struct {
	Accounts     map[string]interfaces.Account `yaml:"accounts"`
	SweepRegions []string                      `yaml:"sweep_regions"`
}

// LoadAccounts reads an accounts file. An empty path yields an empty config.
func LoadAccounts(path string) (*AccountsConfig, error) {
	cfg := &AccountsConfig{Accounts: map[string]interfaces.Account{}}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading accounts file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing accounts file %s: %w", path, err)
	}
	for alias, account := range cfg.Accounts {
		switch account.Provider {
		case interfaces.ProviderAWS, interfaces.ProviderMemory:
		default:
			return nil, fmt.Errorf("%w: account %s has unknown provider %q", interfaces.ErrInvalidRequest, alias, account.Provider)
		}
	}
	return cfg, nil
}

// Resolve returns the account for an alias or a "<provider>[/<profile>]" reference.
func (c *AccountsConfig) Resolve(ref string) (interfaces.Account, error) {
	if account, ok := c.Accounts[ref]; ok {
		return account, nil
	}
	provider, profile, _ := strings.Cut(ref, "/")
	switch kind := interfaces.ProviderKind(provider); kind {
	case interfaces.ProviderAWS, interfaces.ProviderMemory:
		return interfaces.Account{Provider: kind, Profile: profile}, nil
	}
	return interfaces.Account{}, fmt.Errorf("%w: unknown account %q", interfaces.ErrInvalidRequest, ref)
}

// AccountList returns the configured accounts.
func (c *AccountsConfig) AccountList() []interfaces.Account {
	out := make([]interfaces.Account, 0, len(c.Accounts))
	for _, account := range c.Accounts {
		out = append(out, account)
	}
	return out
}

// NewConnector returns a connector for every provider kind. The memory
// cloud is only wired with --memory-cloud.
func NewConnector(cCtx *cli.Context, log *slog.Logger) interfaces.Connector {
	connectors := providers.Connectors{
		interfaces.ProviderAWS: awsprovider.NewConnector(log),
	}
	if cCtx.Bool(MemoryCloudFlag.Name) {
		log.Warn("Using the in-memory cloud, nothing is persisted")
		connectors[interfaces.ProviderMemory] = memory.NewCloud(memory.Options{})
	}
	return connectors
}

// OpenCustodyStore opens the record stores named by uris. It returns nil
// without error when no uri is given.
func OpenCustodyStore(uris []string, log *slog.Logger) (interfaces.RecordStore, error) {
	if len(uris) == 0 {
		return nil, nil
	}
	locations := make([]interfaces.RecordStoreLocation, 0, len(uris))
	for _, uri := range uris {
		loc, err := interfaces.NewRecordStoreLocation(uri)
		if err != nil {
			return nil, err
		}
		locations = append(locations, loc)
	}

	factory := storage.NewRecordStoreFactory(log)
	if len(locations) == 1 {
		return factory.StoreFor(locations[0])
	}
	return factory.CreateMultiStore(locations)
}

// ParseSize parses sizes such as "64MB" or "5MiB" into bytes.
func ParseSize(s string) (int64, error) {
	size, err := datasize.ParseString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid size %q: %w", interfaces.ErrInvalidRequest, s, err)
	}
	return int64(size.Bytes()), nil
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var AccountsFileFlag = &cli.StringFlag{
	Name:    "accounts",
	EnvVars: []string{"EVIDENCE_ACCOUNTS"},
	Usage:   "YAML file mapping account aliases to provider profiles",
}
var LedgerFlag = &cli.StringFlag{
	Name:    "key-ledger",
	Value:   "memory",
	EnvVars: []string{"EVIDENCE_KEY_LEDGER"},
	Usage:   "ephemeral key ledger: memory, sqlite://<file> or mysql://<dsn>",
}
var CustodyFlag = &cli.StringSliceFlag{
	Name:    "custody",
	EnvVars: []string{"EVIDENCE_CUSTODY"},
	Usage:   "custody record store URI (file://, s3://, ipfs://, vault://), may be repeated",
}
var ImageFlag = &cli.StringFlag{
	Name:  "image",
	Usage: "default machine image for analysis instances",
}
var MemoryCloudFlag = &cli.BoolFlag{
	Name:  "memory-cloud",
	Value: false,
	Usage: "serve memory/<account> accounts from an in-process fake cloud",
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
}

var ServerFlags = []cli.Flag{
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}

var CloudFlags = []cli.Flag{
	AccountsFileFlag,
	LedgerFlag,
	CustodyFlag,
	ImageFlag,
	MemoryCloudFlag,
}
