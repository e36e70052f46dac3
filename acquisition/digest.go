package acquisition

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"

	"github.com/ruteri/cloud-evidence-backend/interfaces"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
)

// NewDigest returns a fresh running hash for alg.
func NewDigest(alg interfaces.DigestAlgorithm) (hash.Hash, error) {
	switch alg {
	case interfaces.DigestMD5:
		return md5.New(), nil
	case interfaces.DigestSHA1:
		return sha1.New(), nil
	case interfaces.DigestSHA256:
		return sha256.New(), nil
	case interfaces.DigestSHA512:
		return sha512.New(), nil
	case interfaces.DigestSHA3:
		return sha3.New256(), nil
	case interfaces.DigestBLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("%w: unknown digest algorithm %q", interfaces.ErrInvalidRequest, alg)
	}
}

func newDigests(algs []interfaces.DigestAlgorithm) (map[interfaces.DigestAlgorithm]hash.Hash, error) {
	if len(algs) == 0 {
		return nil, fmt.Errorf("%w: at least one digest algorithm is required", interfaces.ErrInvalidRequest)
	}
	digests := make(map[interfaces.DigestAlgorithm]hash.Hash, len(algs))
	for _, alg := range algs {
		if _, dup := digests[alg]; dup {
			continue
		}
		h, err := NewDigest(alg)
		if err != nil {
			return nil, err
		}
		digests[alg] = h
	}
	return digests, nil
}
