package testutil

import (
	"bytes"
	"testing"

	"github.com/Layr-Labs/near-relay-go/pkg/delegate"
	"github.com/Layr-Labs/near-relay-go/pkg/keys"
)

// CreateTestKey derives a deterministic ed25519 key from a one byte seed
func CreateTestKey(t *testing.T, seed byte) *keys.KeyPair {
	t.Helper()
	key, err := keys.NewKeyPairFromSeed(bytes.Repeat([]byte{seed}, 32))
	if err != nil {
		t.Fatalf("Failed to create test key: %v", err)
	}
	return key
}

// CreateTestDelegate builds a delegate from sender to receiver carrying a single mint call
func CreateTestDelegate(t *testing.T, sender, receiver string, nonce, maxBlockHeight uint64, key keys.SigningKey) delegate.DelegateAction {
	t.Helper()
	mint, err := delegate.NewMintAction("nft.examples.testnet", "https://example.com/1.png", "")
	if err != nil {
		t.Fatalf("Failed to build mint action: %v", err)
	}
	return delegate.DelegateAction{
		SenderID:       sender,
		ReceiverID:     receiver,
		Actions:        []delegate.Action{mint},
		Nonce:          nonce,
		MaxBlockHeight: maxBlockHeight,
		PublicKey:      key.PublicKey(),
	}
}

// CreateTestEnvelope signs da with key and returns the encoded SignedDelegate
func CreateTestEnvelope(t *testing.T, da delegate.DelegateAction, key keys.SigningKey) []byte {
	t.Helper()
	sd, err := delegate.SignDelegate(da, key)
	if err != nil {
		t.Fatalf("Failed to sign delegate: %v", err)
	}
	return delegate.EncodeSignedDelegate(sd)
}
