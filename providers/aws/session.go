package aws

import (
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
)

// SessionOptions selects credentials and endpoint for a session.
type SessionOptions struct {
	// Profile is a shared config profile. Empty uses the default chain.
	Profile string
	Region  string
	// Endpoint overrides the service endpoint, for S3 compatible stores.
	Endpoint string
}

// NewSession creates a session from shared config and the environment.
func NewSession(opts SessionOptions) (*session.Session, error) {
	cfg := aws.Config{}
	if opts.Region != "" {
		cfg.Region = aws.String(opts.Region)
	}
	if opts.Endpoint != "" {
		cfg.Endpoint = aws.String(opts.Endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            cfg,
		Profile:           opts.Profile,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return sess, nil
}
