package keys

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/tyler-smith/go-bip39"
)

// DefaultHDPath is the derivation path used by NEAR wallets for the first account key.
const DefaultHDPath = "m/44'/397'/0'"

const hardenedOffset = 0x80000000

// GenerateSeedPhrase returns a new 12 word mnemonic and the key it derives.
func GenerateSeedPhrase() (string, *KeyPair, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", nil, fmt.Errorf("failed to build mnemonic: %w", err)
	}
	kp, err := KeyPairFromSeedPhrase(mnemonic, DefaultHDPath)
	if err != nil {
		return "", nil, err
	}
	return mnemonic, kp, nil
}

// KeyPairFromSeedPhrase derives an ed25519 key from a BIP-39 mnemonic along a
// hardened SLIP-10 path. An empty path uses DefaultHDPath.
func KeyPairFromSeedPhrase(mnemonic string, path string) (*KeyPair, error) {
	mnemonic = strings.Join(strings.Fields(strings.ToLower(mnemonic)), " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	if path == "" {
		path = DefaultHDPath
	}
	segments, err := parseHardenedPath(path)
	if err != nil {
		return nil, err
	}

	seed := bip39.NewSeed(mnemonic, "")
	key, chainCode := slip10Master(seed)
	for _, index := range segments {
		key, chainCode = slip10Child(key, chainCode, index)
	}
	return NewKeyPairFromSeed(key)
}

func slip10Master(seed []byte) ([]byte, []byte) {
	mac := hmac.New(sha512.New, []byte("ed25519 seed"))
	mac.Write(seed)
	sum := mac.Sum(nil)
	return sum[:32], sum[32:]
}

// ed25519 only supports hardened children.
func slip10Child(key, chainCode []byte, index uint32) ([]byte, []byte) {
	data := make([]byte, 0, 37)
	data = append(data, 0x00)
	data = append(data, key...)
	data = binary.BigEndian.AppendUint32(data, index)

	mac := hmac.New(sha512.New, chainCode)
	mac.Write(data)
	sum := mac.Sum(nil)
	return sum[:32], sum[32:]
}

func parseHardenedPath(path string) ([]uint32, error) {
	parts := strings.Split(strings.TrimSpace(path), "/")
	if len(parts) == 0 || parts[0] != "m" {
		return nil, fmt.Errorf("derivation path must start with m: %s", path)
	}
	segments := make([]uint32, 0, len(parts)-1)
	for _, part := range parts[1:] {
		if !strings.HasSuffix(part, "'") {
			return nil, fmt.Errorf("ed25519 derivation requires hardened segments: %s", part)
		}
		n, err := strconv.ParseUint(strings.TrimSuffix(part, "'"), 10, 31)
		if err != nil {
			return nil, fmt.Errorf("invalid path segment %q: %w", part, err)
		}
		segments = append(segments, uint32(n)+hardenedOffset)
	}
	return segments, nil
}
