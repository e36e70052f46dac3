package provisioner

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// InitialCredentials give first access to a freshly created instance.
type InitialCredentials struct {
	Username string `json:"username"`
	// AuthorizedKey is the public key in authorized_keys format.
	AuthorizedKey string `json:"authorized_key"`
	// PrivateKeyPEM is an OpenSSH private key.
	PrivateKeyPEM string `json:"private_key_pem"`
	Fingerprint   string `json:"fingerprint"`
}

// NewInitialCredentials generates an ed25519 key pair for username.
func NewInitialCredentials(username, comment string) (*InitialCredentials, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ssh key: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("encoding ssh public key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return nil, fmt.Errorf("encoding ssh private key: %w", err)
	}
	return &InitialCredentials{
		Username:      username,
		AuthorizedKey: strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))),
		PrivateKeyPEM: string(pem.EncodeToMemory(block)),
		Fingerprint:   ssh.FingerprintSHA256(sshPub),
	}, nil
}

// Signer parses the private key for use by an ssh client.
func (c *InitialCredentials) Signer() (ssh.Signer, error) {
	return ssh.ParsePrivateKey([]byte(c.PrivateKeyPEM))
}
