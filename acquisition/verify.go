package acquisition

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/ruteri/cloud-evidence-backend/interfaces"
)

// LoadManifest reads the manifest written under the sink prefix.
func LoadManifest(ctx context.Context, sink Sink) (*interfaces.AcquisitionManifest, error) {
	r, err := sink.Open(ctx, ManifestObject)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var manifest interfaces.AcquisitionManifest
	if err := json.NewDecoder(r).Decode(&manifest); err != nil {
		return nil, fmt.Errorf("%w: decoding manifest: %w", interfaces.ErrInvalidRequest, err)
	}
	return &manifest, nil
}

// Verify re-reads the image and checks its size and every digest recorded
// in the manifest. A mismatch is reported as ErrAcquisitionIntegrity.
func Verify(ctx context.Context, sink Sink, manifest *interfaces.AcquisitionManifest, log *slog.Logger) error {
	algs := make([]interfaces.DigestAlgorithm, 0, len(manifest.Digests))
	for alg := range manifest.Digests {
		algs = append(algs, alg)
	}
	digests, err := newDigests(algs)
	if err != nil {
		return err
	}

	r, err := sink.Open(ctx, ImageObject)
	if err != nil {
		return err
	}
	defer r.Close()

	writers := make([]io.Writer, 0, len(digests))
	for _, h := range digests {
		writers = append(writers, h)
	}
	n, err := io.Copy(io.MultiWriter(writers...), &contextReader{ctx: ctx, r: r})
	if err != nil {
		return fmt.Errorf("reading %s: %w", sink.Location(ImageObject), err)
	}
	if n != manifest.TotalBytes {
		return fmt.Errorf("%w: image holds %d bytes, manifest records %d", interfaces.ErrAcquisitionIntegrity, n, manifest.TotalBytes)
	}

	for alg, h := range digests {
		if got := hex.EncodeToString(h.Sum(nil)); got != manifest.Digests[alg] {
			return fmt.Errorf("%w: %s digest %s does not match manifest %s", interfaces.ErrAcquisitionIntegrity, alg, got, manifest.Digests[alg])
		}
	}
	log.Info("Image verified",
		slog.String("image", sink.Location(ImageObject)),
		slog.Int64("bytes", n),
		slog.Int("digests", len(digests)))
	return nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

