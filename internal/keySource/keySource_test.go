package keySource

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/Layr-Labs/near-relay-go/pkg/keys"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeKMS struct {
	plaintext []byte
	err       error
	got       []byte
}

func (f *fakeKMS) Decrypt(_ context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	f.got = in.CiphertextBlob
	if f.err != nil {
		return nil, f.err
	}
	return &kms.DecryptOutput{Plaintext: f.plaintext, KeyId: aws.String("arn:aws:kms:us-east-1:111:key/abc")}, nil
}

func Test_LoadRelayerKey(t *testing.T) {
	ctx := context.Background()
	l := zaptest.NewLogger(t)
	kp, err := keys.GenerateKeyPair()
	require.NoError(t, err)

	t.Run("plaintext", func(t *testing.T) {
		got, err := LoadRelayerKey(ctx, &Config{PrivateKey: kp.SecretKeyString()}, nil, l)
		require.NoError(t, err)
		assert.True(t, kp.PublicKey().Equal(got.PublicKey()))
	})

	t.Run("kms", func(t *testing.T) {
		fake := &fakeKMS{plaintext: []byte(kp.SecretKeyString() + "\n")}
		ct := base64.StdEncoding.EncodeToString([]byte("wrapped"))

		got, err := LoadRelayerKey(ctx, &Config{Ciphertext: ct}, fake, l)
		require.NoError(t, err)
		assert.True(t, kp.PublicKey().Equal(got.PublicKey()))
		assert.Equal(t, []byte("wrapped"), fake.got)
	})

	t.Run("kms failure", func(t *testing.T) {
		fake := &fakeKMS{err: errors.New("AccessDeniedException")}
		_, err := LoadRelayerKey(ctx, &Config{Ciphertext: base64.StdEncoding.EncodeToString([]byte("x"))}, fake, l)
		assert.ErrorContains(t, err, "AccessDeniedException")
	})

	t.Run("bad plaintext", func(t *testing.T) {
		fake := &fakeKMS{plaintext: []byte("not a key")}
		_, err := LoadRelayerKey(ctx, &Config{Ciphertext: base64.StdEncoding.EncodeToString([]byte("x"))}, fake, l)
		assert.Error(t, err)
	})

	t.Run("errors", func(t *testing.T) {
		_, err := LoadRelayerKey(ctx, &Config{}, nil, l)
		assert.Error(t, err)
		_, err = LoadRelayerKey(ctx, &Config{Ciphertext: "!!!"}, &fakeKMS{}, l)
		assert.Error(t, err)
		_, err = LoadRelayerKey(ctx, &Config{Ciphertext: "eA=="}, nil, l)
		assert.Error(t, err)
		_, err = LoadRelayerKey(ctx, &Config{PrivateKey: "ed25519:short"}, nil, l)
		assert.Error(t, err)
	})
}
