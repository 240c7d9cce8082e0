package keySource

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/Layr-Labs/near-relay-go/pkg/keys"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// KMSDecrypter is the subset of the AWS KMS client used to unwrap the relayer key.
type KMSDecrypter interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

type Config struct {
	// PrivateKey is a plaintext "ed25519:<base58>" secret key.
	PrivateKey string
	// Ciphertext is a base64 KMS ciphertext whose plaintext is the secret key string.
	Ciphertext string
}

// LoadRelayerKey returns the relayer signing key from plaintext config or a KMS ciphertext.
// decrypter may be nil when no ciphertext is configured.
func LoadRelayerKey(ctx context.Context, cfg *Config, decrypter KMSDecrypter, logger *zap.Logger) (*keys.KeyPair, error) {
	if cfg.PrivateKey != "" {
		kp, err := keys.ParseKeyPair(cfg.PrivateKey)
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse relayer private key")
		}
		return kp, nil
	}
	if cfg.Ciphertext == "" {
		return nil, errors.New("no relayer key configured")
	}
	if decrypter == nil {
		return nil, errors.New("relayer key ciphertext set but no KMS client available")
	}

	blob, err := base64.StdEncoding.DecodeString(strings.TrimSpace(cfg.Ciphertext))
	if err != nil {
		return nil, errors.Wrap(err, "relayer key ciphertext is not base64")
	}

	out, err := decrypter.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: blob})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decrypt relayer key (%d byte ciphertext)", len(blob))
	}

	kp, err := keys.ParseKeyPair(strings.TrimSpace(string(out.Plaintext)))
	if err != nil {
		return nil, errors.Wrap(err, "decrypted relayer key is invalid")
	}

	keyID := ""
	if out.KeyId != nil {
		keyID = *out.KeyId
	}
	logger.Sugar().Infow("Loaded relayer key from KMS", "kms_key_id", keyID, "public_key", kp.PublicKey().String())
	return kp, nil
}
