package delegate

import (
	"crypto/sha256"
	"fmt"

	"github.com/Layr-Labs/near-relay-go/pkg/keys"
	"github.com/mr-tron/base58"
)

// Transaction is an outer ledger transaction, signed by its SignerID.
type Transaction struct {
	SignerID   string
	PublicKey  keys.PublicKey
	Nonce      uint64
	ReceiverID string
	BlockHash  [32]byte
	Actions    []Action
}

type SignedTransaction struct {
	Transaction Transaction
	Signature   keys.Signature
}

func (tx *Transaction) Validate() error {
	if err := ValidateAccountID(tx.SignerID); err != nil {
		return fmt.Errorf("invalid signer: %w", err)
	}
	if err := ValidateAccountID(tx.ReceiverID); err != nil {
		return fmt.Errorf("invalid receiver: %w", err)
	}
	if err := tx.PublicKey.Validate(); err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	if len(tx.Actions) == 0 {
		return fmt.Errorf("transaction has no actions")
	}
	for i, a := range tx.Actions {
		if a == nil {
			return fmt.Errorf("action %d is nil", i)
		}
		if err := a.Validate(); err != nil {
			return fmt.Errorf("action %d (%s): %w", i, a.Kind(), err)
		}
	}
	return nil
}

func (tx *Transaction) encode(e *encoder) {
	e.str(tx.SignerID)
	e.publicKey(tx.PublicKey)
	e.u64(tx.Nonce)
	e.str(tx.ReceiverID)
	e.fixed(tx.BlockHash[:])
	e.u32(uint32(len(tx.Actions)))
	for _, a := range tx.Actions {
		encodeAction(e, a)
	}
}

func (tx *Transaction) Encode() []byte {
	e := newEncoder(512)
	tx.encode(e)
	return e.bytes()
}

// Hash is the sha256 of the encoded transaction; it is what the signer signs.
func (tx *Transaction) Hash() [32]byte {
	return sha256.Sum256(tx.Encode())
}

// SignTransaction validates and signs tx with key.
func SignTransaction(tx Transaction, key keys.SigningKey) (*SignedTransaction, error) {
	if !key.PublicKey().Equal(tx.PublicKey) {
		return nil, fmt.Errorf("signing key %s does not match transaction key %s", key.PublicKey(), tx.PublicKey)
	}
	if err := tx.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transaction: %w", err)
	}
	tx.Actions = canonicalActions(tx.Actions)
	hash := tx.Hash()
	sig, err := key.Sign(hash[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return &SignedTransaction{Transaction: tx, Signature: sig}, nil
}

func (st *SignedTransaction) Encode() []byte {
	e := newEncoder(768)
	st.Transaction.encode(e)
	e.signature(st.Signature)
	return e.bytes()
}

// HashString is the base58 transaction hash used by the ledger RPC.
func (st *SignedTransaction) HashString() string {
	h := st.Transaction.Hash()
	return base58.Encode(h[:])
}

// DecodeSignedTransaction strictly parses an encoded SignedTransaction.
func DecodeSignedTransaction(b []byte) (*SignedTransaction, error) {
	d := newDecoder(b)
	var st SignedTransaction
	st.Transaction.SignerID = d.str("signer_id")
	st.Transaction.PublicKey = d.publicKey("public_key")
	st.Transaction.Nonce = d.u64("nonce")
	st.Transaction.ReceiverID = d.str("receiver_id")
	if hash := d.take(32, "block_hash"); hash != nil {
		copy(st.Transaction.BlockHash[:], hash)
	}
	n := d.length("actions", 1)
	for i := 0; i < n && d.err == nil; i++ {
		a := decodeAction(d, true)
		if d.err == nil {
			st.Transaction.Actions = append(st.Transaction.Actions, a)
		}
	}
	st.Signature = d.signature("signature")
	if err := d.finish(); err != nil {
		return nil, err
	}
	if err := st.Transaction.Validate(); err != nil {
		return nil, &DecodeError{Offset: len(b), Reason: err.Error()}
	}
	return &st, nil
}
