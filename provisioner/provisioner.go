package provisioner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/ruteri/cloud-evidence-backend/interfaces"
	"github.com/ruteri/cloud-evidence-backend/retry"
	"github.com/samber/lo"
)

// SupportedCores lists the core counts that map to an instance shape.
var SupportedCores = []int{1, 2, 4, 8, 16, 32, 40, 48, 64, 96, 128}

const (
	DefaultCPUCores       = 4
	DefaultBootDiskSizeGB = 50
	DefaultUsername       = "forensics"
	DefaultPollInterval   = 10 * time.Second
)

// VolumeAttachment places a volume at a device path.
type VolumeAttachment struct {
	VolumeID string `json:"volume_id"`
	Device   string `json:"device"`
}

// AnalysisInstanceRequest describes an analysis instance.
type AnalysisInstanceRequest struct {
	Name           string             `json:"name"`
	Account        interfaces.Account `json:"account"`
	Zone           string             `json:"zone"`
	BootDiskSizeGB int64              `json:"boot_disk_size_gb,omitempty"`
	CPUCores       int                `json:"cpu_cores,omitempty"`
	AttachVolumes  []VolumeAttachment `json:"attach_volumes,omitempty"`
	Packages       []string           `json:"packages,omitempty"`
	// StartupScriptOverride replaces the package installation step.
	StartupScriptOverride string            `json:"startup_script_override,omitempty"`
	ImageID               string            `json:"image_id,omitempty"`
	Tags                  map[string]string `json:"tags,omitempty"`
}

// InstanceHandle identifies a provisioned instance.
type InstanceHandle struct {
	ID      string             `json:"id"`
	Name    string             `json:"name"`
	Account interfaces.Account `json:"account"`
	Zone    string             `json:"zone"`
	// Created is false when an existing instance with the same name was reused.
	Created bool              `json:"created"`
	Devices map[string]string `json:"devices"`
}

// Config tunes a Provisioner.
type Config struct {
	// ImageID is used when a request does not name an image.
	ImageID      string
	Username     string
	PollInterval time.Duration
	Policy       retry.Policy
}

// Provisioner starts, waits for and tears down analysis instances.
type Provisioner struct {
	cfg       Config
	connector interfaces.Connector
	retry     *retry.Executor
	log       *slog.Logger
}

// New creates a Provisioner.
func New(cfg Config, connector interfaces.Connector, executor *retry.Executor, log *slog.Logger) *Provisioner {
	if cfg.Username == "" {
		cfg.Username = DefaultUsername
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = retry.APICall
	}
	return &Provisioner{cfg: cfg, connector: connector, retry: executor, log: log}
}

func (req *AnalysisInstanceRequest) withDefaults(cfg Config) {
	if req.CPUCores == 0 {
		req.CPUCores = DefaultCPUCores
	}
	if req.BootDiskSizeGB == 0 {
		req.BootDiskSizeGB = DefaultBootDiskSizeGB
	}
	if req.ImageID == "" {
		req.ImageID = cfg.ImageID
	}
}

func (req *AnalysisInstanceRequest) validate() error {
	if req.Name == "" {
		return fmt.Errorf("%w: instance name is required", interfaces.ErrInvalidRequest)
	}
	if req.Zone == "" {
		return fmt.Errorf("%w: zone is required", interfaces.ErrInvalidRequest)
	}
	if req.ImageID == "" {
		return fmt.Errorf("%w: no image configured", interfaces.ErrInvalidRequest)
	}
	if !slices.Contains(SupportedCores, req.CPUCores) {
		return fmt.Errorf("%w: %d cores is not an available shape, use one of %v", interfaces.ErrCapacity, req.CPUCores, SupportedCores)
	}
	for _, a := range req.AttachVolumes {
		if a.VolumeID == "" || a.Device == "" {
			return fmt.Errorf("%w: attachments need a volume and a device", interfaces.ErrInvalidRequest)
		}
	}
	if dups := lo.FindDuplicatesBy(req.AttachVolumes, func(a VolumeAttachment) string { return a.Device }); len(dups) > 0 {
		return fmt.Errorf("%w: device %s requested more than once", interfaces.ErrAttachmentConflict, dups[0].Device)
	}
	if dups := lo.FindDuplicatesBy(req.AttachVolumes, func(a VolumeAttachment) string { return a.VolumeID }); len(dups) > 0 {
		return fmt.Errorf("%w: volume %s requested more than once", interfaces.ErrAttachmentConflict, dups[0].VolumeID)
	}
	return nil
}

// StartAnalysisInstance requests an analysis instance and attaches the
// requested volumes. It does not wait for the bootstrap to finish.
//
// An existing instance with the same name is reused and only the missing
// attachments are made. Credentials are returned for new instances only.
func (p *Provisioner) StartAnalysisInstance(ctx context.Context, req AnalysisInstanceRequest) (*InstanceHandle, *InitialCredentials, error) {
	req.withDefaults(p.cfg)
	if err := req.validate(); err != nil {
		return nil, nil, err
	}

	log := p.log.With(slog.String("name", req.Name), slog.String("zone", req.Zone))
	provider, err := p.connector.Connect(ctx, req.Account, interfaces.RegionOf(req.Zone))
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to account %s: %w", req.Account, err)
	}

	inst, err := retry.Do(ctx, p.retry, p.cfg.Policy, func(ctx context.Context) (*interfaces.Instance, error) {
		return provider.Compute.FindInstance(ctx, req.Name)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("looking up instance %s: %w", req.Name, err)
	}

	var creds *InitialCredentials
	created := false
	if inst != nil {
		if inst.Zone != req.Zone {
			return nil, nil, fmt.Errorf("%w: instance %s exists in zone %s", interfaces.ErrConflict, req.Name, inst.Zone)
		}
		log.Info("Reusing existing analysis instance", slog.String("instanceID", inst.ID))
	} else {
		creds, err = NewInitialCredentials(p.cfg.Username, req.Name)
		if err != nil {
			return nil, nil, err
		}
		script, err := RenderBootstrap(BootstrapOptions{
			Username:      p.cfg.Username,
			AuthorizedKey: creds.AuthorizedKey,
			Packages:      req.Packages,
			Override:      req.StartupScriptOverride,
		})
		if err != nil {
			return nil, nil, err
		}

		tags := maps.Clone(req.Tags)
		if tags == nil {
			tags = make(map[string]string)
		}
		tags["Name"] = req.Name

		// The client token is fixed for this call so retried launches collapse.
		spec := interfaces.InstanceSpec{
			Name:           req.Name,
			Zone:           req.Zone,
			ImageID:        req.ImageID,
			CPUCores:       req.CPUCores,
			BootDiskSizeGB: req.BootDiskSizeGB,
			UserData:       script,
			ClientToken:    uuid.NewString(),
			Tags:           tags,
		}
		inst, err = retry.Do(ctx, p.retry, p.cfg.Policy, func(ctx context.Context) (*interfaces.Instance, error) {
			return provider.Compute.RunInstance(ctx, spec)
		})
		if err != nil {
			return nil, nil, fmt.Errorf("starting instance %s: %w", req.Name, err)
		}
		created = true
		log.Info("Requested analysis instance", slog.String("instanceID", inst.ID), slog.Int("cpuCores", req.CPUCores))
	}

	devices := maps.Clone(inst.Devices)
	if devices == nil {
		devices = make(map[string]string)
	}
	missing := lo.Filter(req.AttachVolumes, func(a VolumeAttachment, _ int) bool {
		return devices[a.Device] != a.VolumeID
	})
	for _, a := range missing {
		if current, used := devices[a.Device]; used {
			err = fmt.Errorf("%w: device %s holds volume %s", interfaces.ErrAttachmentConflict, a.Device, current)
		} else {
			err = p.retry.Execute(ctx, p.cfg.Policy, func(ctx context.Context) error {
				return provider.Compute.AttachVolume(ctx, inst.ID, a.VolumeID, a.Device)
			})
		}
		if err != nil {
			err = fmt.Errorf("attaching volume %s at %s: %w", a.VolumeID, a.Device, err)
			if created {
				p.abandon(ctx, provider, inst.ID, log)
			}
			return nil, nil, err
		}
		devices[a.Device] = a.VolumeID
		log.Info("Attached volume", slog.String("volumeID", a.VolumeID), slog.String("device", a.Device))
	}

	return &InstanceHandle{
		ID:      inst.ID,
		Name:    req.Name,
		Account: req.Account,
		Zone:    req.Zone,
		Created: created,
		Devices: devices,
	}, creds, nil
}

// abandon terminates an instance created by a failed StartAnalysisInstance.
func (p *Provisioner) abandon(ctx context.Context, provider *interfaces.Provider, instanceID string, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
	defer cancel()
	err := p.retry.Execute(ctx, p.cfg.Policy, func(ctx context.Context) error {
		return provider.Compute.TerminateInstance(ctx, instanceID)
	})
	if err != nil {
		log.Error("Failed to terminate abandoned instance", slog.String("instanceID", instanceID), "err", err)
	}
}

var errNotReady = errors.New("instance is not ready")

// WaitReady polls until the instance reports the ready marker. It fails
// with interfaces.ErrProvisionTimeout after timeout and with
// interfaces.ErrBootstrapFailed when the bootstrap gave up or the instance
// stopped. The instance is left running in both cases.
func (p *Provisioner) WaitReady(ctx context.Context, handle *InstanceHandle, timeout time.Duration) error {
	provider, err := p.connector.Connect(ctx, handle.Account, interfaces.RegionOf(handle.Zone))
	if err != nil {
		return fmt.Errorf("connecting to account %s: %w", handle.Account, err)
	}

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	log := p.log.With(slog.String("instanceID", handle.ID))
	probe := func() error {
		inst, err := retry.Do(waitCtx, p.retry, p.cfg.Policy, func(ctx context.Context) (*interfaces.Instance, error) {
			return provider.Compute.GetInstance(ctx, handle.ID)
		})
		if err != nil {
			return backoff.Permanent(err)
		}
		switch inst.State {
		case interfaces.InstanceRunning:
		case interfaces.InstancePending:
			return errNotReady
		default:
			return backoff.Permanent(fmt.Errorf("%w: instance %s is %s", interfaces.ErrBootstrapFailed, inst.ID, inst.State))
		}

		console, err := retry.Do(waitCtx, p.retry, p.cfg.Policy, func(ctx context.Context) (string, error) {
			return provider.Compute.ConsoleOutput(ctx, handle.ID)
		})
		if err != nil {
			return backoff.Permanent(err)
		}
		ready, failed := bootstrapStatus(console)
		switch {
		case failed:
			return backoff.Permanent(fmt.Errorf("%w: instance %s reported %s", interfaces.ErrBootstrapFailed, handle.ID, FailedMarker))
		case ready:
			return nil
		}
		return errNotReady
	}

	err = backoff.RetryNotify(probe,
		backoff.WithContext(backoff.NewConstantBackOff(p.cfg.PollInterval), waitCtx),
		func(_ error, next time.Duration) {
			log.Debug("Waiting for bootstrap", slog.Duration("next", next))
		})
	switch {
	case err == nil:
		log.Info("Analysis instance is ready")
		return nil
	case ctx.Err() == nil && waitCtx.Err() != nil:
		return fmt.Errorf("%w: instance %s not ready after %s", interfaces.ErrProvisionTimeout, handle.ID, timeout)
	case errors.Is(err, errNotReady):
		return fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return err
}

// Teardown terminates the instance. A missing instance is not an error.
func (p *Provisioner) Teardown(ctx context.Context, handle *InstanceHandle) error {
	provider, err := p.connector.Connect(ctx, handle.Account, interfaces.RegionOf(handle.Zone))
	if err != nil {
		return fmt.Errorf("connecting to account %s: %w", handle.Account, err)
	}
	err = p.retry.Execute(ctx, p.cfg.Policy, func(ctx context.Context) error {
		return provider.Compute.TerminateInstance(ctx, handle.ID)
	})
	if err != nil && !errors.Is(err, interfaces.ErrResourceNotFound) {
		return fmt.Errorf("terminating instance %s: %w", handle.ID, err)
	}
	p.log.Info("Terminated analysis instance", slog.String("instanceID", handle.ID))
	return nil
}
