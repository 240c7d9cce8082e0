package delegate

import (
	"fmt"
	"regexp"
)

const (
	MinAccountIDLength = 2
	MaxAccountIDLength = 64
)

var accountIDPattern = regexp.MustCompile(`^(([a-z\d]+[\-_])*[a-z\d]+\.)*([a-z\d]+[\-_])*[a-z\d]+$`)

// ValidateAccountID checks the ledger's account id rules.
func ValidateAccountID(id string) error {
	if len(id) < MinAccountIDLength || len(id) > MaxAccountIDLength {
		return fmt.Errorf("account id %q must be between %d and %d characters", id, MinAccountIDLength, MaxAccountIDLength)
	}
	if !accountIDPattern.MatchString(id) {
		return fmt.Errorf("account id %q contains invalid characters or separators", id)
	}
	return nil
}
