package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/kms"
	"github.com/aws/aws-sdk-go/service/kms/kmsiface"
	"github.com/ruteri/cloud-evidence-backend/interfaces"
)

// KeyDeletionWindowDays is the shortest deletion window KMS accepts.
const KeyDeletionWindowDays = 7

type keyService struct {
	kms      kmsiface.KMSAPI
	identity *callerIdentity
	log      *slog.Logger
}

type policyStatement struct {
	Sid       string            `json:"Sid"`
	Effect    string            `json:"Effect"`
	Principal map[string]string `json:"Principal"`
	Action    []string          `json:"Action"`
	Resource  string            `json:"Resource"`
}

type policyDocument struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

func rootPrincipal(accountID string) map[string]string {
	return map[string]string{"AWS": fmt.Sprintf("arn:aws:iam::%s:root", accountID)}
}

func ownerPolicy(accountID string) policyDocument {
	return policyDocument{
		Version: "2012-10-17",
		Statement: []policyStatement{{
			Sid:       "EvidenceKeyOwner",
			Effect:    "Allow",
			Principal: rootPrincipal(accountID),
			Action:    []string{"kms:*"},
			Resource:  "*",
		}},
	}
}

func grantSid(principal string) string {
	return "EvidenceGrant" + principal
}

func (k *keyService) CreateKey(ctx context.Context, description string, tags map[string]string) (string, error) {
	owner, err := k.identity.AccountID(ctx)
	if err != nil {
		return "", err
	}
	policy, err := json.Marshal(ownerPolicy(owner))
	if err != nil {
		return "", err
	}

	input := &kms.CreateKeyInput{
		Description: aws.String(description),
		Policy:      aws.String(string(policy)),
	}
	for key, value := range tags {
		input.Tags = append(input.Tags, &kms.Tag{TagKey: aws.String(key), TagValue: aws.String(value)})
	}
	out, err := k.kms.CreateKeyWithContext(ctx, input)
	if err != nil {
		return "", WrapError("CreateKey", err)
	}
	return aws.StringValue(out.KeyMetadata.KeyId), nil
}

func (k *keyService) keyPolicy(ctx context.Context, keyID string) (*policyDocument, error) {
	out, err := k.kms.GetKeyPolicyWithContext(ctx, &kms.GetKeyPolicyInput{
		KeyId:      aws.String(keyID),
		PolicyName: aws.String("default"),
	})
	if err != nil {
		return nil, WrapError("GetKeyPolicy", err)
	}
	var doc policyDocument
	if err := json.Unmarshal([]byte(aws.StringValue(out.Policy)), &doc); err != nil {
		return nil, fmt.Errorf("%w: decoding policy of key %s: %w", interfaces.ErrProvider, keyID, err)
	}
	return &doc, nil
}

func (k *keyService) putKeyPolicy(ctx context.Context, keyID string, doc *policyDocument) error {
	policy, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = k.kms.PutKeyPolicyWithContext(ctx, &kms.PutKeyPolicyInput{
		KeyId:      aws.String(keyID),
		PolicyName: aws.String("default"),
		Policy:     aws.String(string(policy)),
	})
	return WrapError("PutKeyPolicy", err)
}

// GrantKey lets principal, an account id, use the key through its policy.
func (k *keyService) GrantKey(ctx context.Context, keyID, principal string) error {
	doc, err := k.keyPolicy(ctx, keyID)
	if err != nil {
		return err
	}
	sid := grantSid(principal)
	if slices.ContainsFunc(doc.Statement, func(s policyStatement) bool { return s.Sid == sid }) {
		return nil
	}
	doc.Statement = append(doc.Statement, policyStatement{
		Sid:       sid,
		Effect:    "Allow",
		Principal: rootPrincipal(principal),
		Action: []string{
			"kms:Decrypt",
			"kms:DescribeKey",
			"kms:CreateGrant",
			"kms:ReEncrypt*",
			"kms:GenerateDataKey*",
		},
		Resource: "*",
	})
	return k.putKeyPolicy(ctx, keyID, doc)
}

func (k *keyService) RevokeKey(ctx context.Context, keyID, principal string) error {
	doc, err := k.keyPolicy(ctx, keyID)
	if err != nil {
		return err
	}
	sid := grantSid(principal)
	kept := slices.DeleteFunc(slices.Clone(doc.Statement), func(s policyStatement) bool { return s.Sid == sid })
	if len(kept) == len(doc.Statement) {
		return nil
	}
	doc.Statement = kept
	return k.putKeyPolicy(ctx, keyID, doc)
}

// DeleteKey schedules the key for deletion. A key already pending deletion
// counts as deleted.
func (k *keyService) DeleteKey(ctx context.Context, keyID string) error {
	out, err := k.kms.DescribeKeyWithContext(ctx, &kms.DescribeKeyInput{KeyId: aws.String(keyID)})
	if err != nil {
		return WrapError("DescribeKey", err)
	}
	if aws.StringValue(out.KeyMetadata.KeyState) == kms.KeyStatePendingDeletion {
		return nil
	}
	_, err = k.kms.ScheduleKeyDeletionWithContext(ctx, &kms.ScheduleKeyDeletionInput{
		KeyId:               aws.String(keyID),
		PendingWindowInDays: aws.Int64(KeyDeletionWindowDays),
	})
	if err != nil {
		return WrapError("ScheduleKeyDeletion", err)
	}
	k.log.Info("Scheduled key deletion", slog.String("keyID", keyID), slog.Int("windowDays", KeyDeletionWindowDays))
	return nil
}
