package delegate

import (
	"crypto/sha256"
	"fmt"

	"github.com/Layr-Labs/near-relay-go/pkg/keys"
	"github.com/Layr-Labs/near-relay-go/pkg/relayErrors"
)

// delegatePrefix tags signable delegate messages (NEP-461: 2^30 + 366).
const delegatePrefix uint32 = 1<<30 + 366

// DelegateAction is the set of actions a sender authorizes someone else to submit.
type DelegateAction struct {
	SenderID       string
	ReceiverID     string
	Actions        []Action
	Nonce          uint64
	MaxBlockHeight uint64
	PublicKey      keys.PublicKey
}

// SignedDelegate is a DelegateAction with the sender's signature over its signable hash.
// It is also the Delegate action carried by the relayer's outer transaction.
type SignedDelegate struct {
	DelegateAction DelegateAction
	Signature      keys.Signature
}

func (*SignedDelegate) Kind() ActionKind { return ActionDelegate }

// Validate checks every field against its domain.
func (da *DelegateAction) Validate() error {
	if err := ValidateAccountID(da.SenderID); err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if err := ValidateAccountID(da.ReceiverID); err != nil {
		return fmt.Errorf("invalid receiver: %w", err)
	}
	if len(da.Actions) == 0 {
		return fmt.Errorf("delegate action has no actions")
	}
	for i, a := range da.Actions {
		if a == nil {
			return fmt.Errorf("action %d is nil", i)
		}
		if a.Kind() == ActionDelegate {
			return fmt.Errorf("action %d: delegate actions cannot be nested", i)
		}
		if err := a.Validate(); err != nil {
			return fmt.Errorf("action %d (%s): %w", i, a.Kind(), err)
		}
	}
	if da.Nonce == 0 {
		return fmt.Errorf("nonce must be positive")
	}
	if da.MaxBlockHeight == 0 {
		return fmt.Errorf("max block height must be positive")
	}
	if err := da.PublicKey.Validate(); err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	return nil
}

func (sd *SignedDelegate) Validate() error {
	if err := sd.DelegateAction.Validate(); err != nil {
		return err
	}
	if err := sd.Signature.Validate(); err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}
	if sd.Signature.Type != sd.DelegateAction.PublicKey.Type {
		return fmt.Errorf("signature type %s does not match public key type %s", sd.Signature.Type, sd.DelegateAction.PublicKey.Type)
	}
	return nil
}

func (da *DelegateAction) encode(e *encoder) {
	e.str(da.SenderID)
	e.str(da.ReceiverID)
	e.u32(uint32(len(da.Actions)))
	for _, a := range da.Actions {
		encodeAction(e, a)
	}
	e.u64(da.Nonce)
	e.u64(da.MaxBlockHeight)
	e.publicKey(da.PublicKey)
}

func (sd *SignedDelegate) encode(e *encoder) {
	sd.DelegateAction.encode(e)
	e.signature(sd.Signature)
}

// Encode returns the canonical bytes of the delegate action alone.
func (da *DelegateAction) Encode() []byte {
	e := newEncoder(256)
	da.encode(e)
	return e.bytes()
}

// SignableHash is the digest the sender signs.
func (da *DelegateAction) SignableHash() [32]byte {
	e := newEncoder(256)
	e.u32(delegatePrefix)
	da.encode(e)
	return sha256.Sum256(e.bytes())
}

// EncodeSignedDelegate returns the relay envelope for sd.
func EncodeSignedDelegate(sd *SignedDelegate) []byte {
	e := newEncoder(320)
	sd.encode(e)
	return e.bytes()
}

// DecodeSignedDelegate parses a relay envelope. Any structural or domain
// violation yields an error matching relayErrors.ErrMalformedEnvelope.
func DecodeSignedDelegate(b []byte) (*SignedDelegate, error) {
	d := newDecoder(b)
	sd := decodeSignedDelegate(d)
	if err := d.finish(); err != nil {
		return nil, err
	}
	if err := sd.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", relayErrors.ErrMalformedEnvelope, err)
	}
	return sd, nil
}

// SignDelegate signs da with key. The key must match da.PublicKey.
func SignDelegate(da DelegateAction, key keys.SigningKey) (*SignedDelegate, error) {
	if !key.PublicKey().Equal(da.PublicKey) {
		return nil, fmt.Errorf("signing key %s does not match declared key %s", key.PublicKey(), da.PublicKey)
	}
	if err := da.Validate(); err != nil {
		return nil, fmt.Errorf("invalid delegate action: %w", err)
	}
	da.Actions = canonicalActions(da.Actions)
	hash := da.SignableHash()
	sig, err := key.Sign(hash[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign delegate action: %w", err)
	}
	return &SignedDelegate{DelegateAction: da, Signature: sig}, nil
}

// VerifySignature checks the signature against the declared public key.
// Key types that cannot be verified locally return keys.ErrUnsupportedKeyType.
func (sd *SignedDelegate) VerifySignature() error {
	hash := sd.DelegateAction.SignableHash()
	ok, err := sd.DelegateAction.PublicKey.Verify(hash[:], sd.Signature)
	if err != nil {
		return err
	}
	if !ok {
		return relayErrors.ErrInvalidSignature
	}
	return nil
}

func decodeDelegateAction(d *decoder) DelegateAction {
	var da DelegateAction
	da.SenderID = d.str("sender_id")
	da.ReceiverID = d.str("receiver_id")
	n := d.length("actions", 1)
	for i := 0; i < n && d.err == nil; i++ {
		a := decodeAction(d, false)
		if d.err == nil {
			da.Actions = append(da.Actions, a)
		}
	}
	da.Nonce = d.u64("nonce")
	da.MaxBlockHeight = d.u64("max_block_height")
	da.PublicKey = d.publicKey("public_key")
	return da
}

func decodeSignedDelegate(d *decoder) *SignedDelegate {
	da := decodeDelegateAction(d)
	sig := d.signature("signature")
	return &SignedDelegate{DelegateAction: da, Signature: sig}
}
