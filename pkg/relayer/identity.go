package relayer

import (
	"fmt"

	"github.com/Layr-Labs/near-relay-go/pkg/delegate"
	"github.com/Layr-Labs/near-relay-go/pkg/keys"
)

// RelayerIdentity is the funded account that countersigns and pays for relayed envelopes.
// It is built once at startup and never exposes its signing key.
type RelayerIdentity struct {
	accountID string
	key       keys.SigningKey
	network   string
}

func NewRelayerIdentity(accountID string, key keys.SigningKey, network string) (*RelayerIdentity, error) {
	if err := delegate.ValidateAccountID(accountID); err != nil {
		return nil, fmt.Errorf("invalid relayer account id: %w", err)
	}
	if key == nil {
		return nil, fmt.Errorf("relayer signing key cannot be nil")
	}
	if network == "" {
		return nil, fmt.Errorf("relayer network cannot be empty")
	}
	return &RelayerIdentity{accountID: accountID, key: key, network: network}, nil
}

func (r *RelayerIdentity) AccountID() string {
	return r.accountID
}

func (r *RelayerIdentity) PublicKey() keys.PublicKey {
	return r.key.PublicKey()
}

func (r *RelayerIdentity) Network() string {
	return r.network
}

// String never includes key material.
func (r *RelayerIdentity) String() string {
	return fmt.Sprintf("%s (%s, %s)", r.accountID, r.network, r.key.PublicKey())
}
