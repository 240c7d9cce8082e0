package delegate

func encodeAction(e *encoder, a Action) {
	e.u8(uint8(a.Kind()))
	a.encode(e)
}

// decodeAction reads one action. Delegate actions are only accepted when
// allowDelegate is set, which is the case for outer transactions.
func decodeAction(d *decoder, allowDelegate bool) Action {
	kind := ActionKind(d.u8("action kind"))
	if d.err != nil {
		return nil
	}
	switch kind {
	case ActionCreateAccount:
		return &CreateAccount{}
	case ActionDeployContract:
		return &DeployContract{Code: d.blob("code")}
	case ActionFunctionCall:
		a := &FunctionCall{}
		a.MethodName = d.str("method_name")
		a.Args = d.blob("args")
		a.Gas = d.u64("gas")
		a.Deposit = d.u128("deposit")
		return a
	case ActionTransfer:
		return &Transfer{Deposit: d.u128("deposit")}
	case ActionStake:
		a := &Stake{}
		a.Stake = d.u128("stake")
		a.PublicKey = d.publicKey("stake public_key")
		return a
	case ActionAddKey:
		return decodeAddKey(d)
	case ActionDeleteKey:
		return &DeleteKey{PublicKey: d.publicKey("delete public_key")}
	case ActionDeleteAccount:
		return &DeleteAccount{BeneficiaryID: d.str("beneficiary_id")}
	case ActionDelegate:
		if !allowDelegate {
			d.pos--
			d.fail("delegate action cannot be nested inside a delegate action")
			return nil
		}
		return decodeSignedDelegate(d)
	default:
		d.pos--
		d.fail("unknown action kind %d", uint8(kind))
		return nil
	}
}

// canonicalActions returns actions with empty byte and name lists set to nil, the form
// decoding yields. Callers' actions are copied, never modified.
func canonicalActions(actions []Action) []Action {
	out := make([]Action, len(actions))
	for i, a := range actions {
		switch v := a.(type) {
		case *FunctionCall:
			if v.Args != nil && len(v.Args) == 0 {
				c := *v
				c.Args = nil
				a = &c
			}
		case *AddKey:
			if p := v.AccessKey.FunctionCall; p != nil && p.MethodNames != nil && len(p.MethodNames) == 0 {
				perm := *p
				perm.MethodNames = nil
				c := *v
				c.AccessKey.FunctionCall = &perm
				a = &c
			}
		}
		out[i] = a
	}
	return out
}

func decodeAddKey(d *decoder) *AddKey {
	a := &AddKey{}
	a.PublicKey = d.publicKey("access key public_key")
	a.AccessKey.Nonce = d.u64("access key nonce")
	switch perm := d.u8("access key permission"); {
	case d.err != nil:
		return a
	case perm == 1:
		return a
	case perm == 0:
		p := &FunctionCallPermission{}
		switch opt := d.u8("allowance option"); {
		case d.err != nil:
			return a
		case opt == 1:
			v := d.u128("allowance")
			p.Allowance = &v
		case opt != 0:
			d.fail("invalid option flag %d", opt)
			return a
		}
		p.ReceiverID = d.str("permission receiver_id")
		n := d.length("method_names", 4)
		for i := 0; i < n && d.err == nil; i++ {
			p.MethodNames = append(p.MethodNames, d.str("method_name"))
		}
		a.AccessKey.FunctionCall = p
		return a
	default:
		d.fail("unknown access key permission %d", perm)
		return a
	}
}
