package discovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/Layr-Labs/near-relay-go/pkg/keys"
	"github.com/Layr-Labs/near-relay-go/pkg/relayErrors"
)

// ErrNoCandidateKeys is returned when Discover is called without any keys.
var ErrNoCandidateKeys = errors.New("no candidate keys")

// AccountIndex resolves a public key to the accounts that registered it.
type AccountIndex interface {
	AccountsByPublicKey(ctx context.Context, publicKey string) ([]string, error)
}

// Binding is the first candidate key that resolved to an account.
type Binding struct {
	Key       keys.SigningKey
	AccountID string
	PublicKey keys.PublicKey
}

// Discover walks candidates in order and returns the first key bound to an account.
// With a username, a key only qualifies when the index lists exactly that account.
func Discover(ctx context.Context, index AccountIndex, candidates []keys.SigningKey, username string) (*Binding, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidateKeys
	}
	for i, key := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pk := key.PublicKey()
		accounts, err := index.AccountsByPublicKey(ctx, pk.String())
		if err != nil {
			return nil, fmt.Errorf("failed to look up accounts for candidate %d (%s): %w", i, pk, err)
		}
		if accountID, ok := match(accounts, username); ok {
			return &Binding{Key: key, AccountID: accountID, PublicKey: pk}, nil
		}
	}
	return nil, relayErrors.ErrNoAccountFound
}

func match(accounts []string, username string) (string, bool) {
	if username == "" {
		if len(accounts) == 0 {
			return "", false
		}
		return accounts[0], true
	}
	for _, a := range accounts {
		if a == username {
			return username, true
		}
	}
	return "", false
}
