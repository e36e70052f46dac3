// Package memory is an in-process cloud implementing every provider
// collaborator interface. It keeps a shared inventory across accounts and
// regions, supports failure injection per operation, and can run with or
// without native cross-boundary snapshot copy.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ruteri/cloud-evidence-backend/interfaces"
)

const (
	// DefaultAccountID is used for accounts with an empty profile.
	DefaultAccountID = "000000000000"

	// AnalysisImage is the image every cloud starts with.
	AnalysisImage = "ami-analysis"
)

var (
	_ interfaces.Connector        = (*Cloud)(nil)
	_ interfaces.BlockStorage     = (*handle)(nil)
	_ interfaces.KeyService       = (*handle)(nil)
	_ interfaces.ObjectStore      = (*handle)(nil)
	_ interfaces.SnapshotTransfer = (*handle)(nil)
	_ interfaces.Compute          = (*handle)(nil)
)

// Options configures a Cloud.
type Options struct {
	// NativeCopy enables snapshot sharing and cross-region copy. When unset
	// providers expose a SnapshotTransfer instead.
	NativeCopy bool
	// Latency is added to every call.
	Latency time.Duration
}

type snapshotRecord struct {
	interfaces.Snapshot
	account    string
	sharedWith map[string]bool
	sizeGB     int64
	deleted    bool
}

type volumeRecord struct {
	interfaces.Volume
	account  string
	token    string
	snapshot string
	deleted  bool
}

type keyRecord struct {
	id      string
	account string
	grants  map[string]bool
	deleted bool
}

type objectRecord struct {
	snapshot snapshotRecord
	url      string
	expires  time.Time
	revoked  bool
}

type containerRecord struct {
	account string
	objects map[string]*objectRecord
}

type instanceRecord struct {
	interfaces.Instance
	account string
	token   string
	console string
}

type fault struct {
	err       error
	remaining int // <= 0 means until cleared
}

// Cloud is the shared state behind every memory Provider.
type Cloud struct {
	opts Options

	mu         sync.Mutex
	seq        int
	now        func() time.Time
	volumes    map[string]*volumeRecord
	snapshots  map[string]*snapshotRecord
	keys       map[string]*keyRecord
	containers map[string]*containerRecord
	instances  map[string]*instanceRecord
	faults     map[string]*fault
	calls      map[string]int
	// images maps image IDs to their root device size.
	images map[string]int64
	// maxCores is the largest core count RunInstance accepts.
	maxCores int
}

// NewCloud creates an empty cloud.
func NewCloud(opts Options) *Cloud {
	return &Cloud{
		opts:       opts,
		now:        time.Now,
		volumes:    make(map[string]*volumeRecord),
		snapshots:  make(map[string]*snapshotRecord),
		keys:       make(map[string]*keyRecord),
		containers: make(map[string]*containerRecord),
		instances:  make(map[string]*instanceRecord),
		faults:     make(map[string]*fault),
		calls:      make(map[string]int),
		images:     map[string]int64{AnalysisImage: 8},
		maxCores:   128,
	}
}

// AccountIDFor maps an account handle to the memory account id.
func AccountIDFor(account interfaces.Account) string {
	if account.Profile == "" {
		return DefaultAccountID
	}
	return account.Profile
}

// DefaultKeyID returns the provider managed key of an account.
func DefaultKeyID(accountID string) string {
	return "alias/default-" + accountID
}

// Connect implements interfaces.Connector.
func (c *Cloud) Connect(_ context.Context, account interfaces.Account, region string) (*interfaces.Provider, error) {
	if account.Provider != interfaces.ProviderMemory {
		return nil, fmt.Errorf("%w: memory cloud cannot serve %s accounts", interfaces.ErrInvalidRequest, account.Provider)
	}
	if region == "" {
		return nil, fmt.Errorf("%w: region is required", interfaces.ErrInvalidRequest)
	}
	h := &handle{cloud: c, account: AccountIDFor(account), region: region}
	p := &interfaces.Provider{
		Kind:         interfaces.ProviderMemory,
		Region:       region,
		Capabilities: interfaces.Capabilities{NativeCrossBoundaryCopy: c.opts.NativeCopy},
		Storage:      h,
		Keys:         h,
		Objects:      h,
		Compute:      h,
	}
	if !c.opts.NativeCopy {
		p.Transfer = h
	}
	return p, nil
}

// Fail makes the next times calls of op fail with err. times <= 0 fails until ClearFaults.
func (c *Cloud) Fail(op string, err error, times int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults[op] = &fault{err: err, remaining: times}
}

// ClearFaults removes every injected failure.
func (c *Cloud) ClearFaults() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults = make(map[string]*fault)
}

// Calls returns how many times op was invoked.
func (c *Cloud) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// AddVolume registers a volume owned by accountID.
func (c *Cloud) AddVolume(accountID string, v interfaces.Volume) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v.State == "" {
		v.State = interfaces.VolumeAvailable
	}
	if v.Encrypted && v.KeyID == "" {
		v.KeyID = DefaultKeyID(accountID)
	}
	v.Tags = maps.Clone(v.Tags)
	c.volumes[v.ID] = &volumeRecord{Volume: v, account: accountID}
}

// AddCustomerKey registers a customer managed key owned by accountID and
// usable by the given grantees.
func (c *Cloud) AddCustomerKey(accountID, keyID string, grantees ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := &keyRecord{id: keyID, account: accountID, grants: map[string]bool{}}
	for _, g := range grantees {
		k.grants[g] = true
	}
	c.keys[keyID] = k
}

// AddInstance registers a running instance owned by accountID.
func (c *Cloud) AddInstance(accountID string, inst interfaces.Instance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if inst.State == "" {
		inst.State = interfaces.InstanceRunning
	}
	if inst.Devices == nil {
		inst.Devices = map[string]string{}
	}
	c.instances[inst.ID] = &instanceRecord{Instance: inst, account: accountID}
}

// SetVolumeState changes the state of a volume.
func (c *Cloud) SetVolumeState(volumeID string, state interfaces.VolumeState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.volumes[volumeID]; ok {
		v.State = state
	}
}

// SetConsoleOutput replaces the console output of an instance.
func (c *Cloud) SetConsoleOutput(instanceID, output string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if inst, ok := c.instances[instanceID]; ok {
		inst.console = output
	}
}

// SetInstanceState changes the state of an instance.
func (c *Cloud) SetInstanceState(instanceID string, state interfaces.InstanceState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if inst, ok := c.instances[instanceID]; ok {
		inst.State = state
	}
}

// SetMaxCores limits the instance shapes RunInstance accepts.
func (c *Cloud) SetMaxCores(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxCores = n
}

// Volumes returns the live volumes of an account.
func (c *Cloud) Volumes(accountID string) []interfaces.Volume {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []interfaces.Volume
	for _, v := range c.volumes {
		if !v.deleted && v.account == accountID {
			out = append(out, v.Volume)
		}
	}
	slices.SortFunc(out, func(a, b interfaces.Volume) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Snapshots returns every live snapshot.
func (c *Cloud) Snapshots() []interfaces.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []interfaces.Snapshot
	for _, s := range c.snapshots {
		if !s.deleted {
			out = append(out, s.Snapshot)
		}
	}
	return out
}

// LiveKeys returns the ids of customer keys that were not deleted.
func (c *Cloud) LiveKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, k := range c.keys {
		if !k.deleted {
			out = append(out, k.id)
		}
	}
	slices.Sort(out)
	return out
}

// KeyGrants returns the principals a key is granted to.
func (c *Cloud) KeyGrants(keyID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	k, ok := c.keys[keyID]
	if !ok {
		return nil
	}
	return slices.Sorted(maps.Keys(k.grants))
}

// Containers returns the names of live storage containers.
func (c *Cloud) Containers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.containers))
}

// Instances returns every instance that was not terminated.
func (c *Cloud) Instances() []interfaces.Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []interfaces.Instance
	for _, inst := range c.instances {
		if inst.State != interfaces.InstanceTerminated {
			out = append(out, inst.Instance)
		}
	}
	return out
}

// enter records the call, applies latency and returns an injected failure.
// It must be called without holding mu.
func (c *Cloud) enter(ctx context.Context, op string) error {
	if c.opts.Latency > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.Latency):
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[op]++
	f, ok := c.faults[op]
	if !ok {
		return nil
	}
	if f.remaining > 0 {
		f.remaining--
		if f.remaining == 0 {
			delete(c.faults, op)
		}
	}
	return &interfaces.ProviderError{
		Provider:  interfaces.ProviderMemory,
		Op:        op,
		Code:      "Injected",
		Retryable: interfaces.IsRetryable(f.err),
		Err:       f.err,
	}
}

func (c *Cloud) nextID(prefix string) string {
	c.seq++
	return fmt.Sprintf("%s-%08d", prefix, c.seq)
}

func notFound(op, kind, id string) error {
	return &interfaces.ProviderError{
		Provider: interfaces.ProviderMemory,
		Op:       op,
		Code:     "NotFound",
		Err:      fmt.Errorf("%w: %s %s", interfaces.ErrResourceNotFound, kind, id),
	}
}

func providerErr(op, code string, err error, format string, args ...any) error {
	return &interfaces.ProviderError{
		Provider: interfaces.ProviderMemory,
		Op:       op,
		Code:     code,
		Err:      fmt.Errorf("%w: "+format, append([]any{err}, args...)...),
	}
}
