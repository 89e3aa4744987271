package encryption

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"go.uber.org/zap"

	"nameguard-service/internal/config"
)

var (
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrKMSDisabled      = errors.New("kms is disabled")
)

// KMSAPI is the subset of the KMS client used to unwrap secrets.
type KMSAPI interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// SecretResolver returns deployment secrets such as the signal HMAC key. A
// secret is either given in plain form or as a base64 KMS ciphertext.
type SecretResolver struct {
	kmsClient KMSAPI
	config    *config.Config
	logger    *zap.Logger
	cache     sync.Map
}

func NewSecretResolver(cfg *config.Config, kmsClient KMSAPI, logger *zap.Logger) *SecretResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SecretResolver{kmsClient: kmsClient, config: cfg, logger: logger}
}

// NewKMSClient builds a KMS client from the default AWS credential chain.
func NewKMSClient(ctx context.Context, region string) (*kms.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return kms.NewFromConfig(awsCfg), nil
}

// Resolve returns plain when ciphertext is empty, otherwise the KMS
// plaintext of ciphertext. Unwrapped values are cached by ciphertext.
func (r *SecretResolver) Resolve(ctx context.Context, plain, ciphertext string) ([]byte, error) {
	if ciphertext == "" {
		return []byte(plain), nil
	}
	if cached, ok := r.cache.Load(ciphertext); ok {
		return cached.([]byte), nil
	}
	if !r.config.KMS.Enabled || r.kmsClient == nil {
		return nil, fmt.Errorf("%w: cannot unwrap secret ciphertext", ErrKMSDisabled)
	}

	blob, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext is not base64: %v", ErrDecryptionFailed, err)
	}

	input := &kms.DecryptInput{CiphertextBlob: blob}
	if r.config.KMS.KeyID != "" {
		input.KeyId = aws.String(r.config.KMS.KeyID)
	}
	out, err := r.kmsClient.Decrypt(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	r.cache.Store(ciphertext, out.Plaintext)
	r.logger.Info("secret unwrapped with kms", zap.String("key_id", r.config.KMS.KeyID))
	return out.Plaintext, nil
}

// SignalKey resolves the HMAC key used for network signal hashing.
func (r *SecretResolver) SignalKey(ctx context.Context) ([]byte, error) {
	return r.Resolve(ctx, r.config.Security.SignalKey, r.config.Security.SignalKeyCiphertext)
}
