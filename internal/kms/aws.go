package kms

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/smithy-go"

	"github.com/oakline/concierge/internal/cerr"
)

// AWSGateway implements Gateway against AWS KMS using GenerateDataKey and
// Decrypt. The CiphertextBlob is opaque and stored as-is.
type AWSGateway struct {
	client *awskms.Client
	keyID  string
}

// NewAWSGateway builds a gateway for the given CMK id/ARN using the default
// credential chain.
func NewAWSGateway(ctx context.Context, keyID, region string) (*AWSGateway, error) {
	if keyID == "" {
		return nil, fmt.Errorf("kms key id is required")
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return &AWSGateway{
		client: awskms.NewFromConfig(cfg),
		keyID:  keyID,
	}, nil
}

func (g *AWSGateway) GenerateDEK(ctx context.Context) ([]byte, []byte, error) {
	out, err := g.client.GenerateDataKey(ctx, &awskms.GenerateDataKeyInput{
		KeyId:   aws.String(g.keyID),
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, nil, mapError(err)
	}
	return out.Plaintext, out.CiphertextBlob, nil
}

func (g *AWSGateway) UnwrapDEK(ctx context.Context, wrapped []byte) ([]byte, error) {
	out, err := g.client.Decrypt(ctx, &awskms.DecryptInput{
		CiphertextBlob: wrapped,
		KeyId:          aws.String(g.keyID),
	})
	if err != nil {
		return nil, mapError(err)
	}
	return out.Plaintext, nil
}

// mapError collapses the SDK error surface to the three kinds the rest of
// the system understands. All of them are fatal for the operation.
func mapError(err error) error {
	var invalidCiphertext *types.InvalidCiphertextException
	if errors.As(err, &invalidCiphertext) {
		return fmt.Errorf("%w: %v", cerr.ErrKMSInvalidCiphertext, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDeniedException", "DisabledException", "KMSInvalidStateException":
			return fmt.Errorf("%w: %v", cerr.ErrKMSAccessDenied, err)
		}
	}

	return fmt.Errorf("%w: %v", cerr.ErrKMSUnavailable, err)
}
