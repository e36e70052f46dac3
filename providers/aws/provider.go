package aws

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/aws/aws-sdk-go/service/kms"
	"github.com/aws/aws-sdk-go/service/kms/kmsiface"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/sts"
	"github.com/aws/aws-sdk-go/service/sts/stsiface"
	"github.com/ruteri/cloud-evidence-backend/interfaces"
)

var (
	_ interfaces.Connector    = (*Connector)(nil)
	_ interfaces.BlockStorage = (*blockStorage)(nil)
	_ interfaces.KeyService   = (*keyService)(nil)
	_ interfaces.ObjectStore  = (*objectStore)(nil)
	_ interfaces.Compute      = (*compute)(nil)
)

// Clients groups the service clients used by one provider.
type Clients struct {
	EC2 ec2iface.EC2API
	KMS kmsiface.KMSAPI
	S3  s3iface.S3API
	STS stsiface.STSAPI
}

// Connector creates AWS providers for account handles. The account profile
// names a shared config profile.
type Connector struct {
	log *slog.Logger

	mu        sync.Mutex
	providers map[string]*interfaces.Provider
}

// NewConnector creates a Connector.
func NewConnector(log *slog.Logger) *Connector {
	return &Connector{log: log, providers: make(map[string]*interfaces.Provider)}
}

// Connect implements interfaces.Connector.
func (c *Connector) Connect(_ context.Context, account interfaces.Account, region string) (*interfaces.Provider, error) {
	if account.Provider != interfaces.ProviderAWS {
		return nil, fmt.Errorf("%w: aws connector cannot serve %s accounts", interfaces.ErrInvalidRequest, account.Provider)
	}
	if region == "" {
		return nil, fmt.Errorf("%w: region is required", interfaces.ErrInvalidRequest)
	}

	key := account.Profile + "/" + region
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.providers[key]; ok {
		return p, nil
	}

	sess, err := NewSession(SessionOptions{Profile: account.Profile, Region: region})
	if err != nil {
		return nil, err
	}
	p := NewProvider(region, Clients{
		EC2: ec2.New(sess),
		KMS: kms.New(sess),
		S3:  s3.New(sess),
		STS: sts.New(sess),
	}, c.log.With(slog.String("account", account.String()), slog.String("region", region)))
	c.providers[key] = p
	return p, nil
}

// NewProvider assembles a provider from service clients.
func NewProvider(region string, clients Clients, log *slog.Logger) *interfaces.Provider {
	identity := &callerIdentity{sts: clients.STS}
	storage := &blockStorage{ec2: clients.EC2, kms: clients.KMS, region: region, identity: identity, log: log}
	return &interfaces.Provider{
		Kind:         interfaces.ProviderAWS,
		Region:       region,
		Capabilities: interfaces.Capabilities{NativeCrossBoundaryCopy: true},
		Storage:      storage,
		Keys:         &keyService{kms: clients.KMS, identity: identity, log: log},
		Objects:      &objectStore{s3: clients.S3, region: region, log: log},
		Compute:      &compute{ec2: clients.EC2, log: log},
	}
}

// callerIdentity resolves and caches the account id of the credentials.
type callerIdentity struct {
	sts stsiface.STSAPI

	mu        sync.Mutex
	accountID string
}

func (c *callerIdentity) AccountID(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accountID != "" {
		return c.accountID, nil
	}
	out, err := c.sts.GetCallerIdentityWithContext(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", WrapError("GetCallerIdentity", err)
	}
	c.accountID = aws.StringValue(out.Account)
	return c.accountID, nil
}

func tagSpecification(resourceType string, tags map[string]string) []*ec2.TagSpecification {
	if len(tags) == 0 {
		return nil
	}
	spec := &ec2.TagSpecification{ResourceType: aws.String(resourceType)}
	for k, v := range tags {
		spec.Tags = append(spec.Tags, &ec2.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return []*ec2.TagSpecification{spec}
}

func tagMap(tags []*ec2.Tag) map[string]string {
	out := make(map[string]string, len(tags))
	for _, t := range tags {
		out[aws.StringValue(t.Key)] = aws.StringValue(t.Value)
	}
	return out
}
