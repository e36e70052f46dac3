// Package acquisition streams a raw block device to object storage while
// computing digests over the same byte stream.
//
// The device is read exactly once, sequentially, in fixed-size chunks drawn
// from a bounded buffer pool. Every chunk is handed, in device order, to one
// upload consumer and to one consumer per digest algorithm. A chunk returns to
// the pool once every consumer released it, so memory stays bounded by
// PoolSize chunks regardless of device size.
//
// Output layout under the destination prefix:
//
//	image.bin        raw image
//	<algorithm>.log  one hash log per digest algorithm
//	manifest.json    AcquisitionManifest, written last
//
// A source read error fails the job with interfaces.ErrAcquisitionIntegrity
// and is never retried. Part uploads are retried in place when the sink can
// resume; otherwise the image is discarded.
package acquisition
