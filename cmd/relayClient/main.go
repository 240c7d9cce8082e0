package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/Layr-Labs/near-relay-go/pkg/client"
	"github.com/Layr-Labs/near-relay-go/pkg/config"
	"github.com/Layr-Labs/near-relay-go/pkg/delegate"
	"github.com/Layr-Labs/near-relay-go/pkg/indexer"
	"github.com/Layr-Labs/near-relay-go/pkg/keys"
	"github.com/Layr-Labs/near-relay-go/pkg/ledger"
	"github.com/Layr-Labs/near-relay-go/pkg/logger"
	"github.com/holiman/uint256"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:  "relay-client",
		Usage: "Sign delegate actions and submit them through a NEAR relay",
		Description: `Finds the account a key belongs to, signs a delegate action for it and
sends the envelope to a relay, which pays for gas.

Keys are given as ed25519:<base58> secret keys (--key, repeatable) or a seed phrase.
Candidates are tried in order; the first key registered to an account is used.`,
		Version: "1.0.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to a YAML config file; flags and environment override it",
			},
			&cli.StringFlag{
				Name:    "relay-url",
				Usage:   "Relay endpoint that accepts envelopes",
				EnvVars: []string{config.EnvRelayURL},
			},
			&cli.StringFlag{
				Name:    "create-account-url",
				EnvVars: []string{config.EnvRelayCreateAccountURL},
			},
			&cli.StringFlag{
				Name:    "network",
				Usage:   fmt.Sprintf("NEAR network: %s", config.GetSupportedNetworksString()),
				EnvVars: []string{config.EnvNearNetwork},
			},
			&cli.StringFlag{
				Name:    "rpc-url",
				EnvVars: []string{config.EnvRelayRPCURL},
			},
			&cli.StringFlag{
				Name:    "index-url",
				Usage:   "Public key to account index",
				EnvVars: []string{config.EnvRelayIndexURL},
			},
			&cli.Uint64Flag{
				Name:    "block-height-ttl",
				Value:   config.DefaultBlockHeightTTL,
				Usage:   "Blocks a signed delegate stays valid for",
				EnvVars: []string{config.EnvRelayBlockHeightTTL},
			},
			&cli.DurationFlag{
				Name:    "relay-timeout",
				Value:   config.DefaultRelayTimeout,
				EnvVars: []string{config.EnvRelayClientTimeout},
			},
			&cli.DurationFlag{
				Name:    "index-timeout",
				Value:   config.DefaultIndexTimeout,
				EnvVars: []string{config.EnvRelayIndexTimeout},
			},
			&cli.StringFlag{
				Name:    "bearer-token",
				EnvVars: []string{config.EnvRelayBearerToken},
			},
			&cli.StringSliceFlag{
				Name:    "key",
				Usage:   "Candidate secret key, ed25519:<base58>",
				EnvVars: []string{config.EnvRelayClientKeys},
			},
			&cli.StringFlag{
				Name:  "seed-phrase",
				Usage: "BIP-39 seed phrase used as an additional candidate key",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				EnvVars: []string{config.EnvRelayDebug},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "discover",
				Usage: "Print the account the candidate keys resolve to",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "username", Usage: "Only accept this account"},
				},
				Action: discoverCommand,
			},
			{
				Name:  "relay",
				Usage: "Sign and relay a function call (an NFT mint unless --method is given)",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "receiver", Usage: "Contract the delegate calls", Required: true},
					&cli.StringFlag{Name: "username", Usage: "Only sign for this account"},
					&cli.StringFlag{Name: "nft-contract", Usage: "NFT contract to mint into"},
					&cli.StringFlag{Name: "media", Usage: "Media URL for the minted token"},
					&cli.StringFlag{Name: "reference", Usage: "Reference URL for the minted token"},
					&cli.StringFlag{Name: "method", Usage: "Call this method instead of mint"},
					&cli.StringFlag{Name: "args", Value: "{}", Usage: "JSON args for --method"},
					&cli.Uint64Flag{Name: "gas", Value: delegate.DefaultFunctionCallGas},
					&cli.StringFlag{Name: "deposit", Value: "0", Usage: "Attached deposit in yoctoNEAR"},
				},
				Action: relayCommand,
			},
			{
				Name:  "create-account",
				Usage: "Ask the relay to create an account owned by a public key",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "account-id", Required: true},
					&cli.StringFlag{Name: "public-key", Usage: "Defaults to the first candidate key"},
				},
				Action: createAccountCommand,
			},
			{
				Name:  "lookup",
				Usage: "Show what the relay recorded for a delegate",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "sender", Required: true},
					&cli.Uint64Flag{Name: "nonce", Usage: "Omit to list every record for the sender"},
				},
				Action: lookupCommand,
			},
			{
				Name:  "gen-key",
				Usage: "Generate a seed phrase and the key it derives",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "path", Value: keys.DefaultHDPath, Usage: "SLIP-10 derivation path"},
				},
				Action: genKeyCommand,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func parseClientConfig(c *cli.Context) (*config.RelayClientConfig, error) {
	cfg := config.DefaultRelayClientConfig()
	if path := c.String("config"); path != "" {
		if err := config.LoadYAMLFile(path, cfg); err != nil {
			return nil, err
		}
	}
	setString := func(name string, dst *string) {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}
	setString("relay-url", &cfg.RelayURL)
	setString("create-account-url", &cfg.CreateAccountURL)
	setString("rpc-url", &cfg.RPCURL)
	setString("index-url", &cfg.IndexURL)
	setString("bearer-token", &cfg.BearerToken)
	if c.IsSet("network") {
		cfg.Network = config.NetworkName(c.String("network"))
	}
	if c.IsSet("block-height-ttl") {
		cfg.BlockHeightTTL = c.Uint64("block-height-ttl")
	}
	if c.IsSet("relay-timeout") {
		cfg.RelayTimeout = c.Duration("relay-timeout")
	}
	if c.IsSet("index-timeout") {
		cfg.IndexTimeout = c.Duration("index-timeout")
	}
	if c.IsSet("verbose") {
		cfg.Debug = c.Bool("verbose")
	}
	return cfg, nil
}

// createClient builds the relay client from CLI context
func createClient(c *cli.Context) (*client.Client, *zap.Logger, error) {
	cfg, err := parseClientConfig(c)
	if err != nil {
		return nil, nil, fmt.Errorf("configuration error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: cfg.Debug})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}

	index, err := indexer.NewHTTPIndex(&indexer.Config{
		BaseURL: cfg.IndexURL,
		Timeout: cfg.IndexTimeout,
		Logger:  l,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create account index: %w", err)
	}

	ledgerClient, err := ledger.NewClient(c.Context, &ledger.ClientConfig{RPCURL: cfg.RPCURL, Logger: l})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create ledger client: %w", err)
	}

	rc, err := client.NewClient(&client.Config{
		RelayURL:         cfg.RelayURL,
		CreateAccountURL: cfg.CreateAccountURL,
		BlockHeightTTL:   cfg.BlockHeightTTL,
		RelayTimeout:     cfg.RelayTimeout,
		IndexTimeout:     cfg.IndexTimeout,
		BearerToken:      cfg.BearerToken,
	}, index, ledgerClient, l)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create relay client: %w", err)
	}
	return rc, l, nil
}

// candidateKeys collects --key values then the seed phrase key, in that order.
func candidateKeys(c *cli.Context) ([]keys.SigningKey, error) {
	var out []keys.SigningKey
	for i, s := range c.StringSlice("key") {
		kp, err := keys.ParseKeyPair(s)
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", i, err)
		}
		out = append(out, kp)
	}
	if phrase := c.String("seed-phrase"); phrase != "" {
		kp, err := keys.KeyPairFromSeedPhrase(phrase, keys.DefaultHDPath)
		if err != nil {
			return nil, fmt.Errorf("failed to derive key from seed phrase: %w", err)
		}
		out = append(out, kp)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one --key or --seed-phrase is required")
	}
	return out, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func discoverCommand(c *cli.Context) error {
	rc, _, err := createClient(c)
	if err != nil {
		return err
	}
	candidates, err := candidateKeys(c)
	if err != nil {
		return err
	}
	binding, err := rc.Discover(c.Context, candidates, c.String("username"))
	if err != nil {
		return fmt.Errorf("failed to discover account: %w", err)
	}
	return printJSON(map[string]string{
		"accountId": binding.AccountID,
		"publicKey": binding.PublicKey.String(),
	})
}

func relayCommand(c *cli.Context) error {
	rc, l, err := createClient(c)
	if err != nil {
		return err
	}
	candidates, err := candidateKeys(c)
	if err != nil {
		return err
	}
	action, err := buildAction(c)
	if err != nil {
		return err
	}

	result, err := rc.RelayTransaction(c.Context, client.RelayRequest{
		Keys:       candidates,
		Username:   c.String("username"),
		ReceiverID: c.String("receiver"),
		Actions:    []delegate.Action{action},
	})
	if err != nil {
		return fmt.Errorf("failed to relay: %w", err)
	}
	l.Sugar().Infow("Relayed delegate",
		"sender", result.SenderID,
		"nonce", result.Nonce,
		"tx_hash", result.Outcome.TransactionHash(),
	)
	return printJSON(result.Outcome)
}

func buildAction(c *cli.Context) (delegate.Action, error) {
	method := c.String("method")
	if method == "" {
		if c.String("nft-contract") == "" {
			return nil, fmt.Errorf("--nft-contract is required for a mint")
		}
		return delegate.NewMintAction(c.String("nft-contract"), c.String("media"), c.String("reference"))
	}

	args := json.RawMessage(c.String("args"))
	if !json.Valid(args) {
		return nil, fmt.Errorf("--args is not valid JSON")
	}
	deposit, err := uint256.FromDecimal(c.String("deposit"))
	if err != nil {
		return nil, fmt.Errorf("invalid --deposit: %w", err)
	}
	return delegate.FunctionCallAction(method, args, c.Uint64("gas"), deposit)
}

func createAccountCommand(c *cli.Context) error {
	rc, _, err := createClient(c)
	if err != nil {
		return err
	}

	var pk keys.PublicKey
	if s := c.String("public-key"); s != "" {
		pk, err = keys.ParsePublicKey(s)
		if err != nil {
			return fmt.Errorf("invalid --public-key: %w", err)
		}
	} else {
		candidates, err := candidateKeys(c)
		if err != nil {
			return err
		}
		pk = candidates[0].PublicKey()
	}

	outcome, err := rc.CreateAccount(c.Context, c.String("account-id"), pk)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return printJSON(outcome)
}

func lookupCommand(c *cli.Context) error {
	rc, _, err := createClient(c)
	if err != nil {
		return err
	}
	if !c.IsSet("nonce") {
		recs, err := rc.ListSubmissions(c.Context, c.String("sender"))
		if err != nil {
			return fmt.Errorf("failed to list submissions: %w", err)
		}
		return printJSON(recs)
	}
	rec, err := rc.LookupSubmission(c.Context, c.String("sender"), c.Uint64("nonce"))
	if err != nil {
		return fmt.Errorf("failed to look up submission: %w", err)
	}
	return printJSON(rec)
}

func genKeyCommand(c *cli.Context) error {
	mnemonic, _, err := keys.GenerateSeedPhrase()
	if err != nil {
		return err
	}
	kp, err := keys.KeyPairFromSeedPhrase(mnemonic, c.String("path"))
	if err != nil {
		return err
	}
	return printJSON(map[string]string{
		"seedPhrase": mnemonic,
		"publicKey":  kp.PublicKey().String(),
		"secretKey":  kp.SecretKeyString(),
	})
}
