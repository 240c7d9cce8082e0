package delegate

import (
	"encoding/json"
	"fmt"

	"github.com/Layr-Labs/near-relay-go/pkg/keys"
	"github.com/holiman/uint256"
)

// ActionKind is the on-wire discriminant of an Action.
type ActionKind uint8

const (
	ActionCreateAccount  ActionKind = 0
	ActionDeployContract ActionKind = 1
	ActionFunctionCall   ActionKind = 2
	ActionTransfer       ActionKind = 3
	ActionStake          ActionKind = 4
	ActionAddKey         ActionKind = 5
	ActionDeleteKey      ActionKind = 6
	ActionDeleteAccount  ActionKind = 7
	ActionDelegate       ActionKind = 8
)

var actionKindNames = map[ActionKind]string{
	ActionCreateAccount:  "CreateAccount",
	ActionDeployContract: "DeployContract",
	ActionFunctionCall:   "FunctionCall",
	ActionTransfer:       "Transfer",
	ActionStake:          "Stake",
	ActionAddKey:         "AddKey",
	ActionDeleteKey:      "DeleteKey",
	ActionDeleteAccount:  "DeleteAccount",
	ActionDelegate:       "Delegate",
}

func (k ActionKind) String() string {
	if name, ok := actionKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", uint8(k))
}

// Action is one ledger action. The set of implementations is closed.
type Action interface {
	Kind() ActionKind
	Validate() error
	encode(e *encoder)
}

const (
	// TGas is 10^12 gas units.
	TGas uint64 = 1_000_000_000_000

	DefaultFunctionCallGas = 30 * TGas
	MintGas                = 200 * TGas
)

// OneNEAR is 10^24 yoctoNEAR.
var OneNEAR = uint256.MustFromDecimal("1000000000000000000000000")

// MintDeposit is the 0.01 NEAR attached to an NFT mint for storage.
var MintDeposit = uint256.MustFromDecimal("10000000000000000000000")

type CreateAccount struct{}

func (*CreateAccount) Kind() ActionKind  { return ActionCreateAccount }
func (*CreateAccount) Validate() error   { return nil }
func (*CreateAccount) encode(e *encoder) {}

type DeployContract struct {
	Code []byte
}

func (*DeployContract) Kind() ActionKind { return ActionDeployContract }

func (a *DeployContract) Validate() error {
	if len(a.Code) == 0 {
		return fmt.Errorf("deploy contract requires code")
	}
	return nil
}

func (a *DeployContract) encode(e *encoder) {
	e.blob(a.Code)
}

type FunctionCall struct {
	MethodName string
	Args       []byte
	Gas        uint64
	Deposit    uint256.Int
}

func (*FunctionCall) Kind() ActionKind { return ActionFunctionCall }

func (a *FunctionCall) Validate() error {
	if a.MethodName == "" {
		return fmt.Errorf("function call requires a method name")
	}
	if a.Gas == 0 {
		return fmt.Errorf("function call %s requires gas", a.MethodName)
	}
	return validateU128("function call deposit", &a.Deposit)
}

func (a *FunctionCall) encode(e *encoder) {
	e.str(a.MethodName)
	e.blob(a.Args)
	e.u64(a.Gas)
	e.u128(&a.Deposit)
}

type Transfer struct {
	Deposit uint256.Int
}

func (*Transfer) Kind() ActionKind { return ActionTransfer }

func (a *Transfer) Validate() error {
	return validateU128("transfer deposit", &a.Deposit)
}

func (a *Transfer) encode(e *encoder) {
	e.u128(&a.Deposit)
}

type Stake struct {
	Stake     uint256.Int
	PublicKey keys.PublicKey
}

func (*Stake) Kind() ActionKind { return ActionStake }

func (a *Stake) Validate() error {
	if err := validateU128("stake", &a.Stake); err != nil {
		return err
	}
	return a.PublicKey.Validate()
}

func (a *Stake) encode(e *encoder) {
	e.u128(&a.Stake)
	e.publicKey(a.PublicKey)
}

// AccessKey grants full access when FunctionCall is nil.
type AccessKey struct {
	Nonce        uint64
	FunctionCall *FunctionCallPermission
}

type FunctionCallPermission struct {
	Allowance   *uint256.Int
	ReceiverID  string
	MethodNames []string
}

type AddKey struct {
	PublicKey keys.PublicKey
	AccessKey AccessKey
}

func (*AddKey) Kind() ActionKind { return ActionAddKey }

func (a *AddKey) Validate() error {
	if err := a.PublicKey.Validate(); err != nil {
		return err
	}
	perm := a.AccessKey.FunctionCall
	if perm == nil {
		return nil
	}
	if perm.Allowance != nil {
		if err := validateU128("allowance", perm.Allowance); err != nil {
			return err
		}
	}
	return ValidateAccountID(perm.ReceiverID)
}

func (a *AddKey) encode(e *encoder) {
	e.publicKey(a.PublicKey)
	e.u64(a.AccessKey.Nonce)
	perm := a.AccessKey.FunctionCall
	if perm == nil {
		e.u8(1)
		return
	}
	e.u8(0)
	if perm.Allowance == nil {
		e.u8(0)
	} else {
		e.u8(1)
		e.u128(perm.Allowance)
	}
	e.str(perm.ReceiverID)
	e.u32(uint32(len(perm.MethodNames)))
	for _, m := range perm.MethodNames {
		e.str(m)
	}
}

type DeleteKey struct {
	PublicKey keys.PublicKey
}

func (*DeleteKey) Kind() ActionKind { return ActionDeleteKey }

func (a *DeleteKey) Validate() error {
	return a.PublicKey.Validate()
}

func (a *DeleteKey) encode(e *encoder) {
	e.publicKey(a.PublicKey)
}

type DeleteAccount struct {
	BeneficiaryID string
}

func (*DeleteAccount) Kind() ActionKind { return ActionDeleteAccount }

func (a *DeleteAccount) Validate() error {
	return ValidateAccountID(a.BeneficiaryID)
}

func (a *DeleteAccount) encode(e *encoder) {
	e.str(a.BeneficiaryID)
}

func validateU128(what string, v *uint256.Int) error {
	if v[2] != 0 || v[3] != 0 {
		return fmt.Errorf("%s %s exceeds 128 bits", what, v.Dec())
	}
	return nil
}

// FunctionCallAction builds a FunctionCall with JSON-encoded args.
func FunctionCallAction(methodName string, args any, gas uint64, deposit *uint256.Int) (*FunctionCall, error) {
	var encoded []byte
	switch v := args.(type) {
	case nil:
	case []byte:
		encoded = v
	case json.RawMessage:
		encoded = v
	default:
		b, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("failed to encode args for %s: %w", methodName, err)
		}
		encoded = b
	}
	if len(encoded) == 0 {
		encoded = nil
	}
	fc := &FunctionCall{MethodName: methodName, Args: encoded, Gas: gas}
	if deposit != nil {
		fc.Deposit = *deposit
	}
	return fc, nil
}

func TransferAction(deposit *uint256.Int) *Transfer {
	return &Transfer{Deposit: *deposit}
}

func AddFullAccessKeyAction(pk keys.PublicKey) *AddKey {
	return &AddKey{PublicKey: pk}
}

func DeleteKeyAction(pk keys.PublicKey) *DeleteKey {
	return &DeleteKey{PublicKey: pk}
}

// TokenMetadata is the media metadata attached to a mint.
type TokenMetadata struct {
	Media     string `json:"media,omitempty"`
	Reference string `json:"reference,omitempty"`
}

type mintArgs struct {
	Metadata      TokenMetadata `json:"metadata"`
	NFTContractID string        `json:"nft_contract_id"`
}

// NewMintAction builds the minter contract's mint call for nftContractID.
func NewMintAction(nftContractID, media, reference string) (*FunctionCall, error) {
	args := mintArgs{
		Metadata:      TokenMetadata{Media: media, Reference: reference},
		NFTContractID: nftContractID,
	}
	return FunctionCallAction("mint", args, MintGas, MintDeposit)
}
