package acquisition

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/ruteri/cloud-evidence-backend/interfaces"
	"github.com/ruteri/cloud-evidence-backend/metrics"
	"github.com/ruteri/cloud-evidence-backend/retry"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultChunkSize = 64 << 20
	DefaultPoolSize  = 4
)

// Config tunes a Pipeline.
type Config struct {
	// ChunkSize is used when the job does not set one.
	ChunkSize int
	// PoolSize bounds the number of chunks in flight.
	PoolSize int
	// Policy retries part uploads and metadata writes.
	Policy  retry.Policy
	Metrics *metrics.Metrics
	// OpenDevice defaults to OpenDevice.
	OpenDevice func(path string) (Device, error)
	// Now is a clock override for tests.
	Now func() time.Time
}

// Pipeline runs one acquisition job.
type Pipeline struct {
	cfg      Config
	sink     Sink
	executor *retry.Executor
	log      *slog.Logger

	state    *atomic.String
	read     *atomic.Int64
	uploaded *atomic.Int64
}

// New creates a pipeline writing to sink.
func New(cfg Config, sink Sink, executor *retry.Executor, log *slog.Logger) *Pipeline {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.Policy.Name == "" {
		cfg.Policy = retry.Upload
	}
	if cfg.OpenDevice == nil {
		cfg.OpenDevice = OpenDevice
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pipeline{
		cfg:      cfg,
		sink:     sink,
		executor: executor,
		log:      log,
		state:    atomic.NewString(string(interfaces.JobPending)),
		read:     atomic.NewInt64(0),
		uploaded: atomic.NewInt64(0),
	}
}

// State returns the job state.
func (p *Pipeline) State() interfaces.JobState {
	return interfaces.JobState(p.state.Load())
}

// Progress returns the bytes read from the device and the bytes uploaded so far.
func (p *Pipeline) Progress() (read, uploaded int64) {
	return p.read.Load(), p.uploaded.Load()
}

// Run acquires the device. A pipeline runs at most one job.
func (p *Pipeline) Run(ctx context.Context, job interfaces.AcquisitionJob) (*interfaces.AcquisitionManifest, error) {
	if !p.state.CompareAndSwap(string(interfaces.JobPending), string(interfaces.JobStreaming)) {
		return nil, fmt.Errorf("%w: pipeline already used (state %s)", interfaces.ErrInvalidRequest, p.State())
	}

	manifest, err := p.run(ctx, job)
	p.cfg.Metrics.RecordAcquisition(err)
	if err != nil {
		p.state.Store(string(interfaces.JobFailed))
		p.log.Error("Acquisition failed", slog.String("device", job.Device), "err", err)
		return nil, err
	}
	p.state.Store(string(interfaces.JobVerified))
	p.log.Info("Acquisition completed",
		slog.String("device", job.Device),
		slog.Int64("bytes", manifest.TotalBytes),
		slog.Duration("duration", manifest.FinishedAt.Sub(manifest.StartedAt)))
	return manifest, nil
}

// chunk is one pool buffer in flight. It returns to the pool when every
// consumer released it.
type chunk struct {
	number int
	offset int64
	buf    []byte
	data   []byte
	refs   *atomic.Int32
}

type layout struct {
	offset    int64
	length    int64
	chunkSize int
	parts     int
}

func (p *Pipeline) plan(job interfaces.AcquisitionJob, deviceSize int64) (layout, error) {
	l := layout{offset: job.Offset, length: job.Length, chunkSize: job.ChunkSize}
	if l.chunkSize <= 0 {
		l.chunkSize = p.cfg.ChunkSize
	}
	limits := p.sink.Limits()
	switch {
	case l.offset < 0 || l.length < 0:
		return l, fmt.Errorf("%w: negative offset or length", interfaces.ErrInvalidRequest)
	case int64(l.chunkSize) < limits.MinSize:
		return l, fmt.Errorf("%w: chunk size %d below destination minimum %d", interfaces.ErrInvalidRequest, l.chunkSize, limits.MinSize)
	case l.offset > deviceSize:
		return l, fmt.Errorf("%w: offset %d beyond device size %d", interfaces.ErrInvalidRequest, l.offset, deviceSize)
	}
	if l.length == 0 {
		l.length = deviceSize - l.offset
	}
	if l.offset+l.length > deviceSize {
		return l, fmt.Errorf("%w: range %d+%d beyond device size %d", interfaces.ErrInvalidRequest, l.offset, l.length, deviceSize)
	}
	if l.length == 0 {
		return l, fmt.Errorf("%w: nothing to acquire", interfaces.ErrInvalidRequest)
	}
	l.parts = int((l.length + int64(l.chunkSize) - 1) / int64(l.chunkSize))
	if limits.MaxParts > 0 && l.parts > limits.MaxParts {
		return l, fmt.Errorf("%w: %d parts exceed destination maximum %d, raise the chunk size", interfaces.ErrInvalidRequest, l.parts, limits.MaxParts)
	}
	return l, nil
}

func (p *Pipeline) run(ctx context.Context, job interfaces.AcquisitionJob) (*interfaces.AcquisitionManifest, error) {
	digests, err := newDigests(job.Algorithms)
	if err != nil {
		return nil, err
	}
	src, err := p.cfg.OpenDevice(job.Device)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	l, err := p.plan(job, src.Size())
	if err != nil {
		return nil, err
	}

	started := p.cfg.Now().UTC()
	p.log.Info("Starting acquisition",
		slog.String("device", job.Device),
		slog.String("destination", p.sink.Location(ImageObject)),
		slog.Int64("offset", l.offset),
		slog.Int64("length", l.length),
		slog.Int("chunkSize", l.chunkSize),
		slog.Int("parts", l.parts))

	upload, err := p.sink.CreateUpload(ctx, ImageObject)
	if err != nil {
		return nil, err
	}

	if err := p.stream(ctx, io.NewSectionReader(src, l.offset, l.length), l, upload, digests); err != nil {
		p.abort(ctx, upload)
		return nil, err
	}
	if err := p.executor.Execute(ctx, p.cfg.Policy, upload.Complete); err != nil {
		p.abort(ctx, upload)
		return nil, fmt.Errorf("completing image upload: %w", err)
	}

	manifest := &interfaces.AcquisitionManifest{
		Device:      job.Device,
		ImageObject: p.sink.Location(ImageObject),
		Digests:     make(map[interfaces.DigestAlgorithm]string, len(digests)),
		LogObjects:  make(map[interfaces.DigestAlgorithm]string, len(digests)),
		Offset:      l.offset,
		TotalBytes:  l.length,
		StartedAt:   started,
		FinishedAt:  p.cfg.Now().UTC(),
	}
	for alg, h := range digests {
		manifest.Digests[alg] = hex.EncodeToString(h.Sum(nil))
		manifest.LogObjects[alg] = p.sink.Location(LogObject(alg))
	}

	for _, alg := range sortedAlgorithms(manifest.Digests) {
		if err := p.put(ctx, LogObject(alg), []byte(HashLog(manifest, alg))); err != nil {
			return nil, err
		}
	}
	encoded, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := p.put(ctx, ManifestObject, encoded); err != nil {
		return nil, err
	}
	return manifest, nil
}

// abort discards a multipart upload that will not be completed. It runs on a
// fresh context so a cancelled acquisition does not leave parts behind.
func (p *Pipeline) abort(ctx context.Context, upload Upload) {
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	if err := upload.Abort(abortCtx); err != nil {
		p.log.Warn("Failed to abort image upload", "err", err)
	}
}

func (p *Pipeline) put(ctx context.Context, object string, data []byte) error {
	return p.executor.Execute(ctx, p.cfg.Policy, func(ctx context.Context) error {
		return p.sink.PutObject(ctx, object, data)
	})
}

// stream reads the range once and fans every chunk out, in order, to the
// upload consumer and one consumer per digest.
func (p *Pipeline) stream(ctx context.Context, src io.Reader, l layout, upload Upload, digests map[interfaces.DigestAlgorithm]hash.Hash) error {
	g, gctx := errgroup.WithContext(ctx)

	free := make(chan []byte, p.cfg.PoolSize)
	for range p.cfg.PoolSize {
		free <- make([]byte, l.chunkSize)
	}
	release := func(c *chunk) {
		if c.refs.Dec() == 0 {
			free <- c.buf
		}
	}

	uploads := make(chan *chunk, p.cfg.PoolSize)
	consumers := []chan *chunk{uploads}
	for alg, h := range digests {
		ch := make(chan *chunk, p.cfg.PoolSize)
		consumers = append(consumers, ch)
		g.Go(func() error {
			for c := range ch {
				h.Write(c.data)
				release(c)
			}
			p.log.Debug("Digest consumer finished", slog.String("algorithm", string(alg)))
			return nil
		})
	}

	g.Go(func() error {
		for c := range uploads {
			if err := p.uploadPart(gctx, upload, c); err != nil {
				return err
			}
			p.uploaded.Add(int64(len(c.data)))
			release(c)
		}
		return nil
	})

	g.Go(func() error {
		defer func() {
			for _, ch := range consumers {
				close(ch)
			}
		}()

		var offset int64
		for number := 1; number <= l.parts; number++ {
			if err := gctx.Err(); err != nil {
				return err
			}
			var buf []byte
			select {
			case buf = <-free:
			case <-gctx.Done():
				return gctx.Err()
			}

			want := int(min(int64(l.chunkSize), l.length-offset))
			n, err := io.ReadFull(src, buf[:want])
			if err != nil {
				return fmt.Errorf("%w: read %d of %d bytes at offset %d: %w",
					interfaces.ErrAcquisitionIntegrity, n, want, l.offset+offset, err)
			}

			c := &chunk{number: number, offset: offset, buf: buf, data: buf[:n], refs: atomic.NewInt32(int32(len(consumers)))}
			for _, ch := range consumers {
				select {
				case ch <- c:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			offset += int64(n)
			p.read.Store(offset)
			p.cfg.Metrics.AddAcquiredBytes(n)
		}
		return nil
	})

	return g.Wait()
}

// uploadPart writes one part, retrying in place when the upload can resume.
func (p *Pipeline) uploadPart(ctx context.Context, upload Upload, c *chunk) error {
	policy := p.cfg.Policy
	if !upload.Resumable() {
		policy = policy.Once()
	}
	err := p.executor.Execute(ctx, policy, func(ctx context.Context) error {
		return upload.WritePart(ctx, c.number, c.offset, c.data)
	})
	if err != nil && !upload.Resumable() && retry.Retryable(err) {
		return fmt.Errorf("%w: part %d: %w", interfaces.ErrResumeUnsupported, c.number, err)
	}
	if err != nil {
		return fmt.Errorf("uploading part %d: %w", c.number, err)
	}
	return nil
}

func sortedAlgorithms(digests map[interfaces.DigestAlgorithm]string) []interfaces.DigestAlgorithm {
	algs := make([]interfaces.DigestAlgorithm, 0, len(digests))
	for alg := range digests {
		algs = append(algs, alg)
	}
	slices.Sort(algs)
	return algs
}

// HashLog renders the hash log of one algorithm.
func HashLog(m *interfaces.AcquisitionManifest, alg interfaces.DigestAlgorithm) string {
	var b strings.Builder
	fmt.Fprintf(&b, "device:    %s\n", m.Device)
	fmt.Fprintf(&b, "image:     %s\n", m.ImageObject)
	fmt.Fprintf(&b, "algorithm: %s\n", alg)
	fmt.Fprintf(&b, "offset:    %d\n", m.Offset)
	fmt.Fprintf(&b, "bytes:     %d\n", m.TotalBytes)
	fmt.Fprintf(&b, "started:   %s\n", m.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "finished:  %s\n", m.FinishedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "%s  %s\n", m.Digests[alg], ImageObject)
	return b.String()
}
