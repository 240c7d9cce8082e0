package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Layr-Labs/near-relay-go/pkg/relayErrors"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

// Environment variable names for relay server configuration
const (
	EnvRelayerAccountID        = "RELAYER_ACCOUNT_ID"
	EnvRelayerPrivateKey       = "RELAYER_PRIVATE_KEY"
	EnvNearNetwork             = "NEAR_NETWORK"
	EnvRelayPort               = "RELAY_PORT"
	EnvRelayRPCURL             = "RELAY_RPC_URL"
	EnvRelayerKeyKMSCiphertext = "RELAY_KEY_KMS_CIPHERTEXT"
	EnvRelayAWSRegion          = "RELAY_AWS_REGION"
	EnvRelayMaxEnvelopeBytes   = "RELAY_MAX_ENVELOPE_BYTES"
	EnvRelayMaxBatchSize       = "RELAY_MAX_BATCH_SIZE"
	EnvRelaySubmitTimeout      = "RELAY_SUBMIT_TIMEOUT"
	EnvRelaySubmitRetries      = "RELAY_SUBMIT_RETRIES"
	EnvRelayRequestTimeout     = "RELAY_REQUEST_TIMEOUT"
	EnvRelaySubmitToSender     = "RELAY_SUBMIT_TO_SENDER"
	EnvRelayJournalType        = "RELAY_JOURNAL_TYPE"
	EnvRelayBadgerPath         = "RELAY_BADGER_PATH"
	EnvRelayRedisAddress       = "RELAY_REDIS_ADDRESS"
	EnvRelayRedisPassword      = "RELAY_REDIS_PASSWORD"
	EnvRelayRedisDB            = "RELAY_REDIS_DB"
	EnvRelayRedisKeyPrefix     = "RELAY_REDIS_KEY_PREFIX"
	EnvRelayCORSOrigins        = "RELAY_CORS_ORIGINS"
	EnvRelayJWKSURL            = "RELAY_JWKS_URL"
	EnvRelayJWTIssuer          = "RELAY_JWT_ISSUER"
	EnvRelayJWTAudience        = "RELAY_JWT_AUDIENCE"
	EnvRelayRateLimitRPS       = "RELAY_RATE_LIMIT_RPS"
	EnvRelayRateLimitBurst     = "RELAY_RATE_LIMIT_BURST"
	EnvRelayDebug              = "RELAY_DEBUG"
)

// Environment variable names for relay client configuration
const (
	EnvRelayURL              = "RELAY_URL"
	EnvRelayCreateAccountURL = "RELAY_CREATE_ACCOUNT_URL"
	EnvRelayIndexURL         = "RELAY_INDEX_URL"
	EnvRelayBlockHeightTTL   = "RELAY_BLOCK_HEIGHT_TTL"
	EnvRelayIndexTimeout     = "RELAY_INDEX_TIMEOUT"
	EnvRelayClientTimeout    = "RELAY_CLIENT_TIMEOUT"
	EnvRelayBearerToken      = "RELAY_BEARER_TOKEN"
	EnvRelayClientKeys       = "RELAY_CLIENT_KEYS"
)

type NetworkName string

const (
	Network_Mainnet NetworkName = "mainnet"
	Network_Testnet NetworkName = "testnet"
)

// Network holds the well known endpoints and contracts of a NEAR network
type Network struct {
	RPCURL string
	// AccountCreatorID is the contract whose create_account method makes top level accounts.
	AccountCreatorID string
	IndexURL         string
}

var Networks = map[NetworkName]*Network{
	Network_Mainnet: {
		RPCURL:           "https://rpc.mainnet.near.org",
		AccountCreatorID: "near",
		IndexURL:         "https://api.fastnear.com",
	},
	Network_Testnet: {
		RPCURL:           "https://rpc.testnet.near.org",
		AccountCreatorID: "testnet",
		IndexURL:         "https://test.api.fastnear.com",
	},
}

func GetNetwork(name NetworkName) (*Network, error) {
	n, ok := Networks[name]
	if !ok {
		return nil, fmt.Errorf("unsupported network: %s", name)
	}
	return n, nil
}

// GetSupportedNetworksString returns supported networks for CLI help
func GetSupportedNetworksString() string {
	return fmt.Sprintf("%s, %s", Network_Mainnet, Network_Testnet)
}

type JournalType string

const (
	JournalType_Memory JournalType = "memory"
	JournalType_Badger JournalType = "badger"
	JournalType_Redis  JournalType = "redis"
)

const (
	DefaultPort             = 3030
	DefaultMaxEnvelopeBytes = 64 * 1024
	DefaultMaxBatchSize     = 16
	DefaultSubmitTimeout    = 60 * time.Second
	DefaultSubmitRetries    = 3
	DefaultRequestTimeout   = 90 * time.Second
	DefaultBlockHeightTTL   = 120
	DefaultRelayTimeout     = 60 * time.Second
	DefaultIndexTimeout     = 10 * time.Second
)

// RelayServerConfig represents the complete configuration for a relay server
type RelayServerConfig struct {
	Port    int         `yaml:"port"`
	Network NetworkName `yaml:"network"`
	// RPCURL overrides the network's default RPC endpoint.
	RPCURL string `yaml:"rpcUrl"`

	// Relayer identity. The key comes from RelayerPrivateKey or, when set,
	// from decrypting RelayerKeyKMSCiphertext with AWS KMS.
	RelayerAccountID        string `yaml:"relayerAccountId"`
	RelayerPrivateKey       string `yaml:"relayerPrivateKey"`
	RelayerKeyKMSCiphertext string `yaml:"relayerKeyKmsCiphertext"`
	AWSRegion               string `yaml:"awsRegion"`

	MaxEnvelopeBytes int           `yaml:"maxEnvelopeBytes"`
	MaxBatchSize     int           `yaml:"maxBatchSize"`
	SubmitTimeout    time.Duration `yaml:"submitTimeout"`
	SubmitRetries    uint64        `yaml:"submitRetries"`
	RequestTimeout   time.Duration `yaml:"requestTimeout"`
	SubmitToSender   bool          `yaml:"submitToSender"`

	JournalType    JournalType `yaml:"journalType"`
	BadgerPath     string      `yaml:"badgerPath"`
	RedisAddress   string      `yaml:"redisAddress"`
	RedisPassword  string      `yaml:"redisPassword"`
	RedisDB        int         `yaml:"redisDb"`
	RedisKeyPrefix string      `yaml:"redisKeyPrefix"`

	CORSOrigins    []string `yaml:"corsOrigins"`
	JWKSURL        string   `yaml:"jwksUrl"`
	JWTIssuer      string   `yaml:"jwtIssuer"`
	JWTAudience    string   `yaml:"jwtAudience"`
	RateLimitRPS   float64  `yaml:"rateLimitRps"`
	RateLimitBurst int      `yaml:"rateLimitBurst"`

	Debug bool `yaml:"debug"`

	// Resolved from Network during Validate
	AccountCreatorID string `yaml:"-"`
}

func DefaultRelayServerConfig() *RelayServerConfig {
	return &RelayServerConfig{
		Port:             DefaultPort,
		MaxEnvelopeBytes: DefaultMaxEnvelopeBytes,
		MaxBatchSize:     DefaultMaxBatchSize,
		SubmitTimeout:    DefaultSubmitTimeout,
		SubmitRetries:    DefaultSubmitRetries,
		RequestTimeout:   DefaultRequestTimeout,
		JournalType:      JournalType_Memory,
	}
}

// LoadYAMLFile overlays the YAML document at path onto cfg. Fields absent from the file keep their value.
func LoadYAMLFile(path string, cfg any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate validates the relay server configuration and resolves network defaults.
// Missing identity settings wrap relayErrors.ErrConfigurationMissing.
func (c *RelayServerConfig) Validate() error {
	var missing, invalid field.ErrorList

	if c.RelayerAccountID == "" {
		missing = append(missing, field.Required(field.NewPath("relayerAccountId"), "set "+EnvRelayerAccountID))
	}
	if c.RelayerPrivateKey == "" && c.RelayerKeyKMSCiphertext == "" {
		missing = append(missing, field.Required(field.NewPath("relayerPrivateKey"),
			fmt.Sprintf("set %s or %s", EnvRelayerPrivateKey, EnvRelayerKeyKMSCiphertext)))
	}
	if c.RelayerPrivateKey != "" && c.RelayerKeyKMSCiphertext != "" {
		invalid = append(invalid, field.Forbidden(field.NewPath("relayerKeyKmsCiphertext"), "only one relayer key source may be set"))
	}
	if c.Network == "" {
		missing = append(missing, field.Required(field.NewPath("network"), "set "+EnvNearNetwork))
	} else if n, ok := Networks[c.Network]; ok {
		if c.RPCURL == "" {
			c.RPCURL = n.RPCURL
		}
		c.AccountCreatorID = n.AccountCreatorID
	} else if c.RPCURL == "" {
		invalid = append(invalid, field.NotSupported(field.NewPath("network"), string(c.Network),
			[]string{string(Network_Mainnet), string(Network_Testnet)}))
	}

	if c.RPCURL != "" {
		if err := validateURL(c.RPCURL); err != nil {
			invalid = append(invalid, field.Invalid(field.NewPath("rpcUrl"), c.RPCURL, err.Error()))
		}
	}
	if c.Port < 1 || c.Port > 65535 {
		invalid = append(invalid, field.Invalid(field.NewPath("port"), c.Port, "must be between 1-65535"))
	}
	if c.MaxEnvelopeBytes <= 0 {
		invalid = append(invalid, field.Invalid(field.NewPath("maxEnvelopeBytes"), c.MaxEnvelopeBytes, "must be positive"))
	}
	if c.MaxBatchSize <= 0 {
		invalid = append(invalid, field.Invalid(field.NewPath("maxBatchSize"), c.MaxBatchSize, "must be positive"))
	}
	if c.SubmitTimeout <= 0 {
		invalid = append(invalid, field.Invalid(field.NewPath("submitTimeout"), c.SubmitTimeout.String(), "must be positive"))
	}

	switch c.JournalType {
	case JournalType_Memory:
	case JournalType_Badger:
		if c.BadgerPath == "" {
			invalid = append(invalid, field.Required(field.NewPath("badgerPath"), "required for the badger journal"))
		}
	case JournalType_Redis:
		if c.RedisAddress == "" {
			invalid = append(invalid, field.Required(field.NewPath("redisAddress"), "required for the redis journal"))
		}
		if c.RedisDB < 0 || c.RedisDB > 15 {
			invalid = append(invalid, field.Invalid(field.NewPath("redisDb"), c.RedisDB, "must be between 0-15"))
		}
	default:
		invalid = append(invalid, field.NotSupported(field.NewPath("journalType"), string(c.JournalType),
			[]string{string(JournalType_Memory), string(JournalType_Badger), string(JournalType_Redis)}))
	}

	if c.JWKSURL != "" {
		if err := validateURL(c.JWKSURL); err != nil {
			invalid = append(invalid, field.Invalid(field.NewPath("jwksUrl"), c.JWKSURL, err.Error()))
		}
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		invalid = append(invalid, field.Invalid(field.NewPath("rateLimitRps"), c.RateLimitRPS, "rate limits cannot be negative"))
	}

	return aggregate(missing, invalid)
}

// RelayClientConfig represents the configuration of the relay client CLI
type RelayClientConfig struct {
	RelayURL         string        `yaml:"relayUrl"`
	CreateAccountURL string        `yaml:"createAccountUrl"`
	IndexURL         string        `yaml:"indexUrl"`
	RPCURL           string        `yaml:"rpcUrl"`
	Network          NetworkName   `yaml:"network"`
	BlockHeightTTL   uint64        `yaml:"blockHeightTtl"`
	RelayTimeout     time.Duration `yaml:"relayTimeout"`
	IndexTimeout     time.Duration `yaml:"indexTimeout"`
	BearerToken      string        `yaml:"bearerToken"`
	Debug            bool          `yaml:"debug"`
}

func DefaultRelayClientConfig() *RelayClientConfig {
	return &RelayClientConfig{
		BlockHeightTTL: DefaultBlockHeightTTL,
		RelayTimeout:   DefaultRelayTimeout,
		IndexTimeout:   DefaultIndexTimeout,
	}
}

// Validate validates the client configuration and resolves network defaults.
func (c *RelayClientConfig) Validate() error {
	var missing, invalid field.ErrorList

	if c.RelayURL == "" {
		missing = append(missing, field.Required(field.NewPath("relayUrl"), "set "+EnvRelayURL))
	} else if err := validateURL(c.RelayURL); err != nil {
		invalid = append(invalid, field.Invalid(field.NewPath("relayUrl"), c.RelayURL, err.Error()))
	}

	if n, ok := Networks[c.Network]; ok {
		if c.RPCURL == "" {
			c.RPCURL = n.RPCURL
		}
		if c.IndexURL == "" {
			c.IndexURL = n.IndexURL
		}
	} else if c.RPCURL == "" || c.IndexURL == "" {
		if c.Network == "" {
			missing = append(missing, field.Required(field.NewPath("network"), "set "+EnvNearNetwork))
		} else {
			invalid = append(invalid, field.NotSupported(field.NewPath("network"), string(c.Network),
				[]string{string(Network_Mainnet), string(Network_Testnet)}))
		}
	}

	if c.BlockHeightTTL == 0 {
		invalid = append(invalid, field.Invalid(field.NewPath("blockHeightTtl"), c.BlockHeightTTL, "must be positive"))
	}
	return aggregate(missing, invalid)
}

func aggregate(missing, invalid field.ErrorList) error {
	all := append(missing, invalid...)
	if len(all) == 0 {
		return nil
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %v", relayErrors.ErrConfigurationMissing, all.ToAggregate())
	}
	return all.ToAggregate()
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

// SplitList parses a comma separated flag value, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
