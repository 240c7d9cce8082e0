package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Layr-Labs/near-relay-go/internal/aws"
	"github.com/Layr-Labs/near-relay-go/internal/keySource"
	"github.com/Layr-Labs/near-relay-go/pkg/auth"
	"github.com/Layr-Labs/near-relay-go/pkg/config"
	"github.com/Layr-Labs/near-relay-go/pkg/keys"
	"github.com/Layr-Labs/near-relay-go/pkg/ledger"
	"github.com/Layr-Labs/near-relay-go/pkg/logger"
	"github.com/Layr-Labs/near-relay-go/pkg/metrics"
	"github.com/Layr-Labs/near-relay-go/pkg/persistence"
	"github.com/Layr-Labs/near-relay-go/pkg/persistence/badger"
	"github.com/Layr-Labs/near-relay-go/pkg/persistence/memory"
	"github.com/Layr-Labs/near-relay-go/pkg/persistence/redis"
	"github.com/Layr-Labs/near-relay-go/pkg/relayer"
	"github.com/Layr-Labs/near-relay-go/pkg/server"
	"github.com/Layr-Labs/near-relay-go/pkg/transactionSigner"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func main() {
	app := &cli.App{
		Name:  "relay-server",
		Usage: "NEAR meta-transaction relay",
		Description: `Accepts signed delegate actions from users, countersigns them with the
relayer account and submits them to the ledger so the relayer pays for gas.

Endpoints:
- POST / and /relay        relay one envelope or an ordered batch
- POST /create-account     create a top level account through the network's creator contract
- GET  /submissions/{sender}/{nonce}
- GET  /health, GET /metrics`,
		Version: "1.0.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to a YAML config file; flags and environment override it",
			},
			&cli.StringFlag{
				Name:    "relayer-account-id",
				Usage:   "Account that countersigns and pays for relayed transactions",
				EnvVars: []string{config.EnvRelayerAccountID},
			},
			&cli.StringFlag{
				Name:    "relayer-private-key",
				Usage:   "Relayer secret key (ed25519:<base58>)",
				EnvVars: []string{config.EnvRelayerPrivateKey},
			},
			&cli.StringFlag{
				Name:    "relayer-key-kms-ciphertext",
				Usage:   "Base64 AWS KMS ciphertext of the relayer secret key",
				EnvVars: []string{config.EnvRelayerKeyKMSCiphertext},
			},
			&cli.StringFlag{
				Name:    "aws-region",
				Usage:   "AWS region for KMS",
				EnvVars: []string{config.EnvRelayAWSRegion},
			},
			&cli.StringFlag{
				Name:    "network",
				Usage:   fmt.Sprintf("NEAR network: %s", config.GetSupportedNetworksString()),
				EnvVars: []string{config.EnvNearNetwork},
			},
			&cli.StringFlag{
				Name:    "rpc-url",
				Aliases: []string{"rpc"},
				Usage:   "Ledger RPC endpoint; defaults to the network's public RPC",
				EnvVars: []string{config.EnvRelayRPCURL},
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Value:   config.DefaultPort,
				Usage:   "HTTP server port",
				EnvVars: []string{config.EnvRelayPort},
			},
			&cli.IntFlag{
				Name:    "max-envelope-bytes",
				Value:   config.DefaultMaxEnvelopeBytes,
				EnvVars: []string{config.EnvRelayMaxEnvelopeBytes},
			},
			&cli.IntFlag{
				Name:    "max-batch-size",
				Value:   config.DefaultMaxBatchSize,
				EnvVars: []string{config.EnvRelayMaxBatchSize},
			},
			&cli.DurationFlag{
				Name:    "submit-timeout",
				Value:   config.DefaultSubmitTimeout,
				Usage:   "Deadline for one ledger submission including retries",
				EnvVars: []string{config.EnvRelaySubmitTimeout},
			},
			&cli.Uint64Flag{
				Name:    "submit-retries",
				Value:   config.DefaultSubmitRetries,
				Usage:   "Resubmissions of the same signed transaction when the ledger is unavailable",
				EnvVars: []string{config.EnvRelaySubmitRetries},
			},
			&cli.DurationFlag{
				Name:    "request-timeout",
				Value:   config.DefaultRequestTimeout,
				EnvVars: []string{config.EnvRelayRequestTimeout},
			},
			&cli.BoolFlag{
				Name:    "submit-to-sender",
				Usage:   "Address the outer transaction to the delegate's sender instead of its receiver",
				EnvVars: []string{config.EnvRelaySubmitToSender},
			},
			&cli.StringFlag{
				Name:    "journal",
				Value:   string(config.JournalType_Memory),
				Usage:   "Submission journal backend: memory, badger or redis",
				EnvVars: []string{config.EnvRelayJournalType},
			},
			&cli.StringFlag{
				Name:    "badger-path",
				EnvVars: []string{config.EnvRelayBadgerPath},
			},
			&cli.StringFlag{
				Name:    "redis-address",
				EnvVars: []string{config.EnvRelayRedisAddress},
			},
			&cli.StringFlag{
				Name:    "redis-password",
				EnvVars: []string{config.EnvRelayRedisPassword},
			},
			&cli.IntFlag{
				Name:    "redis-db",
				EnvVars: []string{config.EnvRelayRedisDB},
			},
			&cli.StringFlag{
				Name:    "redis-key-prefix",
				EnvVars: []string{config.EnvRelayRedisKeyPrefix},
			},
			&cli.StringFlag{
				Name:    "cors-origins",
				Usage:   "Comma separated allowed origins; all origins when empty",
				EnvVars: []string{config.EnvRelayCORSOrigins},
			},
			&cli.StringFlag{
				Name:    "jwks-url",
				Usage:   "Require bearer tokens signed by a key from this JWKS",
				EnvVars: []string{config.EnvRelayJWKSURL},
			},
			&cli.StringFlag{
				Name:    "jwt-issuer",
				EnvVars: []string{config.EnvRelayJWTIssuer},
			},
			&cli.StringFlag{
				Name:    "jwt-audience",
				EnvVars: []string{config.EnvRelayJWTAudience},
			},
			&cli.Float64Flag{
				Name:    "rate-limit-rps",
				Usage:   "Per client request rate; 0 disables limiting",
				EnvVars: []string{config.EnvRelayRateLimitRPS},
			},
			&cli.IntFlag{
				Name:    "rate-limit-burst",
				EnvVars: []string{config.EnvRelayRateLimitBurst},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Usage:   "Enable verbose logging",
				EnvVars: []string{config.EnvRelayDebug},
			},
		},
		Action: runRelayServer,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func runRelayServer(c *cli.Context) error {
	cfg, err := parseRelayServerConfig(c)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: cfg.Debug})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = l.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l.Sugar().Infow("Using network", "network", cfg.Network, "rpc_url", cfg.RPCURL, "account_creator", cfg.AccountCreatorID)

	relayerKey, err := loadRelayerKey(ctx, cfg, l)
	if err != nil {
		return err
	}
	identity, err := relayer.NewRelayerIdentity(cfg.RelayerAccountID, relayerKey, string(cfg.Network))
	if err != nil {
		return fmt.Errorf("invalid relayer identity: %w", err)
	}

	ledgerClient, err := ledger.NewClient(ctx, &ledger.ClientConfig{RPCURL: cfg.RPCURL, Logger: l})
	if err != nil {
		return fmt.Errorf("failed to create ledger client: %w", err)
	}
	defer ledgerClient.Close()

	journal, err := newJournal(cfg, l)
	if err != nil {
		return err
	}
	defer func() {
		if err := journal.Close(); err != nil {
			l.Sugar().Warnw("Failed to close submission journal", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	relayMetrics, err := metrics.NewRelayMetrics(registry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	retry := transactionSigner.DefaultRetryConfig
	retry.MaxRetries = cfg.SubmitRetries
	r, err := relayer.NewRelayer(&relayer.Config{
		MaxEnvelopeBytes: cfg.MaxEnvelopeBytes,
		MaxBatchSize:     cfg.MaxBatchSize,
		Retry:            retry,
		SubmitTimeout:    cfg.SubmitTimeout,
		AccountCreatorID: cfg.AccountCreatorID,
		SubmitToSender:   cfg.SubmitToSender,
	}, identity, ledgerClient, journal, relayMetrics, l)
	if err != nil {
		return fmt.Errorf("failed to create relayer: %w", err)
	}

	var verifier auth.TokenVerifier
	if cfg.JWKSURL != "" {
		v, err := auth.NewJWTVerifier(ctx, &auth.JWTVerifierConfig{
			JWKSURL:  cfg.JWKSURL,
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
		}, l)
		if err != nil {
			return fmt.Errorf("failed to create token verifier: %w", err)
		}
		verifier = v
	}

	srv := server.NewServer(&server.Config{
		Port:           cfg.Port,
		CORSOrigins:    cfg.CORSOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		RequestTimeout: cfg.RequestTimeout,
	}, r, verifier, relayMetrics, registry, l)

	if err := r.Health(ctx); err != nil {
		l.Sugar().Warnw("Relay is not healthy at startup", "error", err)
	}

	l.Sugar().Infow("Starting relay server",
		"relayer", identity.String(),
		"port", cfg.Port,
		"journal", cfg.JournalType,
		"auth", verifier != nil,
		"submit_to_sender", cfg.SubmitToSender,
	)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	<-ctx.Done()
	l.Sugar().Infow("Shutting down relay server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("failed to stop server: %w", err)
	}
	return nil
}

func loadRelayerKey(ctx context.Context, cfg *config.RelayServerConfig, l *zap.Logger) (*keys.KeyPair, error) {
	var decrypter keySource.KMSDecrypter
	if cfg.RelayerKeyKMSCiphertext != "" {
		awsCfg, err := aws.LoadAWSConfig(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, err
		}
		if arn, err := aws.CallerARN(ctx, awsCfg); err != nil {
			l.Sugar().Warnw("Failed to resolve AWS caller identity", "error", err)
		} else {
			l.Sugar().Infow("Using AWS identity for KMS", "arn", arn)
		}
		decrypter = kms.NewFromConfig(awsCfg)
	}

	kp, err := keySource.LoadRelayerKey(ctx, &keySource.Config{
		PrivateKey: cfg.RelayerPrivateKey,
		Ciphertext: cfg.RelayerKeyKMSCiphertext,
	}, decrypter, l)
	if err != nil {
		return nil, fmt.Errorf("failed to load relayer key: %w", err)
	}
	return kp, nil
}

func newJournal(cfg *config.RelayServerConfig, l *zap.Logger) (persistence.ISubmissionJournal, error) {
	switch cfg.JournalType {
	case config.JournalType_Badger:
		j, err := badger.NewBadgerPersistence(cfg.BadgerPath, l)
		if err != nil {
			return nil, fmt.Errorf("failed to open badger journal: %w", err)
		}
		return j, nil
	case config.JournalType_Redis:
		j, err := redis.NewRedisPersistence(&redis.RedisConfig{
			Address:   cfg.RedisAddress,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.RedisKeyPrefix,
		}, l)
		if err != nil {
			return nil, fmt.Errorf("failed to connect redis journal: %w", err)
		}
		return j, nil
	default:
		return memory.NewMemoryPersistence(), nil
	}
}

// parseRelayServerConfig layers defaults, the optional YAML file and then any flag or environment value that was set.
func parseRelayServerConfig(c *cli.Context) (*config.RelayServerConfig, error) {
	cfg := config.DefaultRelayServerConfig()
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
	setInt := func(name string, dst *int) {
		if c.IsSet(name) {
			*dst = c.Int(name)
		}
	}

	setString("relayer-account-id", &cfg.RelayerAccountID)
	setString("relayer-private-key", &cfg.RelayerPrivateKey)
	setString("relayer-key-kms-ciphertext", &cfg.RelayerKeyKMSCiphertext)
	setString("aws-region", &cfg.AWSRegion)
	setString("rpc-url", &cfg.RPCURL)
	setString("badger-path", &cfg.BadgerPath)
	setString("redis-address", &cfg.RedisAddress)
	setString("redis-password", &cfg.RedisPassword)
	setString("redis-key-prefix", &cfg.RedisKeyPrefix)
	setString("jwks-url", &cfg.JWKSURL)
	setString("jwt-issuer", &cfg.JWTIssuer)
	setString("jwt-audience", &cfg.JWTAudience)
	setInt("port", &cfg.Port)
	setInt("max-envelope-bytes", &cfg.MaxEnvelopeBytes)
	setInt("max-batch-size", &cfg.MaxBatchSize)
	setInt("redis-db", &cfg.RedisDB)
	setInt("rate-limit-burst", &cfg.RateLimitBurst)

	if c.IsSet("network") {
		cfg.Network = config.NetworkName(c.String("network"))
	}
	if c.IsSet("journal") {
		cfg.JournalType = config.JournalType(c.String("journal"))
	}
	if c.IsSet("submit-timeout") {
		cfg.SubmitTimeout = c.Duration("submit-timeout")
	}
	if c.IsSet("request-timeout") {
		cfg.RequestTimeout = c.Duration("request-timeout")
	}
	if c.IsSet("submit-retries") {
		cfg.SubmitRetries = c.Uint64("submit-retries")
	}
	if c.IsSet("submit-to-sender") {
		cfg.SubmitToSender = c.Bool("submit-to-sender")
	}
	if c.IsSet("cors-origins") {
		cfg.CORSOrigins = config.SplitList(c.String("cors-origins"))
	}
	if c.IsSet("rate-limit-rps") {
		cfg.RateLimitRPS = c.Float64("rate-limit-rps")
	}
	if c.IsSet("verbose") {
		cfg.Debug = c.Bool("verbose")
	}
	return cfg, nil
}
