package keys

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// KeyType is the curve discriminant used on the wire and in key strings.
type KeyType uint8

const (
	KeyTypeED25519   KeyType = 0
	KeyTypeSECP256K1 KeyType = 1
)

func (k KeyType) String() string {
	switch k {
	case KeyTypeED25519:
		return "ed25519"
	case KeyTypeSECP256K1:
		return "secp256k1"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// PublicKeyLength returns the raw public key size for the key type, 0 if unknown.
func (k KeyType) PublicKeyLength() int {
	switch k {
	case KeyTypeED25519:
		return ed25519.PublicKeySize
	case KeyTypeSECP256K1:
		return 64
	default:
		return 0
	}
}

// SignatureLength returns the raw signature size for the key type, 0 if unknown.
func (k KeyType) SignatureLength() int {
	switch k {
	case KeyTypeED25519:
		return ed25519.SignatureSize
	case KeyTypeSECP256K1:
		return 65
	default:
		return 0
	}
}

func ParseKeyType(s string) (KeyType, error) {
	switch strings.ToLower(s) {
	case "ed25519":
		return KeyTypeED25519, nil
	case "secp256k1":
		return KeyTypeSECP256K1, nil
	default:
		return 0, fmt.Errorf("unsupported key type: %s", s)
	}
}

// PublicKey is a typed public key as used by the ledger.
type PublicKey struct {
	Type KeyType
	Data []byte
}

// String renders the key as "<type>:<base58>".
func (p PublicKey) String() string {
	return p.Type.String() + ":" + base58.Encode(p.Data)
}

func (p PublicKey) Equal(other PublicKey) bool {
	return p.Type == other.Type && bytes.Equal(p.Data, other.Data)
}

// Validate checks the key length against its type.
func (p PublicKey) Validate() error {
	expected := p.Type.PublicKeyLength()
	if expected == 0 {
		return fmt.Errorf("unsupported key type %d", uint8(p.Type))
	}
	if len(p.Data) != expected {
		return fmt.Errorf("%s public key must be %d bytes, got %d", p.Type, expected, len(p.Data))
	}
	return nil
}

// Verify reports whether sig is a valid signature of msg under this key.
// Only ed25519 is verified locally; any other type returns ErrUnsupportedKeyType.
func (p PublicKey) Verify(msg []byte, sig Signature) (bool, error) {
	if p.Type != KeyTypeED25519 || sig.Type != KeyTypeED25519 {
		return false, ErrUnsupportedKeyType
	}
	if len(p.Data) != ed25519.PublicKeySize || len(sig.Data) != ed25519.SignatureSize {
		return false, nil
	}
	return ed25519.Verify(ed25519.PublicKey(p.Data), msg, sig.Data), nil
}

// ParsePublicKey parses "<type>:<base58>"; a bare base58 string is treated as ed25519.
func ParsePublicKey(s string) (PublicKey, error) {
	keyType, encoded, err := splitKeyString(s)
	if err != nil {
		return PublicKey{}, err
	}
	data, err := base58.Decode(encoded)
	if err != nil {
		return PublicKey{}, fmt.Errorf("invalid base58 public key: %w", err)
	}
	pk := PublicKey{Type: keyType, Data: data}
	if err := pk.Validate(); err != nil {
		return PublicKey{}, err
	}
	return pk, nil
}

// Signature is a typed signature.
type Signature struct {
	Type KeyType
	Data []byte
}

func (s Signature) String() string {
	return s.Type.String() + ":" + base58.Encode(s.Data)
}

func (s Signature) Validate() error {
	expected := s.Type.SignatureLength()
	if expected == 0 {
		return fmt.Errorf("unsupported signature type %d", uint8(s.Type))
	}
	if len(s.Data) != expected {
		return fmt.Errorf("%s signature must be %d bytes, got %d", s.Type, expected, len(s.Data))
	}
	return nil
}

// SigningKey is a key held by the process that can sign but never leaves it.
type SigningKey interface {
	PublicKey() PublicKey
	Sign(msg []byte) (Signature, error)
}

// KeyPair is an in-memory ed25519 signing key.
type KeyPair struct {
	privateKey ed25519.PrivateKey
}

var _ SigningKey = (*KeyPair)(nil)

// GenerateKeyPair creates a fresh random ed25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}
	return &KeyPair{privateKey: priv}, nil
}

// NewKeyPairFromSeed builds a key pair from a 32 byte ed25519 seed.
func NewKeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("ed25519 seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &KeyPair{privateKey: ed25519.NewKeyFromSeed(seed)}, nil
}

// ParseKeyPair parses "ed25519:<base58>" where the payload is a 64 byte secret key
// (seed followed by public key) or a bare 32 byte seed.
func ParseKeyPair(s string) (*KeyPair, error) {
	keyType, encoded, err := splitKeyString(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	if keyType != KeyTypeED25519 {
		return nil, fmt.Errorf("unsupported signing key type: %s", keyType)
	}
	data, err := base58.Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid base58 secret key: %w", err)
	}
	switch len(data) {
	case ed25519.SeedSize:
		return NewKeyPairFromSeed(data)
	case ed25519.PrivateKeySize:
		kp, err := NewKeyPairFromSeed(data[:ed25519.SeedSize])
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(kp.privateKey[ed25519.SeedSize:], data[ed25519.SeedSize:]) {
			return nil, fmt.Errorf("secret key public half does not match its seed")
		}
		return kp, nil
	default:
		return nil, fmt.Errorf("ed25519 secret key must be %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(data))
	}
}

func (k *KeyPair) PublicKey() PublicKey {
	pub := k.privateKey.Public().(ed25519.PublicKey)
	data := make([]byte, len(pub))
	copy(data, pub)
	return PublicKey{Type: KeyTypeED25519, Data: data}
}

func (k *KeyPair) Sign(msg []byte) (Signature, error) {
	return Signature{Type: KeyTypeED25519, Data: ed25519.Sign(k.privateKey, msg)}, nil
}

// SecretKeyString exports the secret key as "ed25519:<base58 of 64 bytes>".
func (k *KeyPair) SecretKeyString() string {
	return KeyTypeED25519.String() + ":" + base58.Encode(k.privateKey)
}

// String never prints secret material.
func (k *KeyPair) String() string {
	return "KeyPair(" + k.PublicKey().String() + ")"
}

func splitKeyString(s string) (KeyType, string, error) {
	if s == "" {
		return 0, "", fmt.Errorf("empty key string")
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) == 1 {
		return KeyTypeED25519, parts[0], nil
	}
	keyType, err := ParseKeyType(parts[0])
	if err != nil {
		return 0, "", err
	}
	if parts[1] == "" {
		return 0, "", fmt.Errorf("empty key data")
	}
	return keyType, parts[1], nil
}
