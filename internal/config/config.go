// Package config loads the engine configuration: a YAML file merged over
// defaults, then environment overrides. Secrets (relayer mnemonic, store
// passphrase, API token) never live in the file; only their env variable
// names do.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Chain     ChainConfig     `yaml:"chain"`
	Contracts ContractsConfig `yaml:"contracts"`
	Markets   []MarketConfig  `yaml:"markets"`
	Tokens    []TokenConfig   `yaml:"tokens"`
	SwapPool  PoolConfig      `yaml:"swapPool"`
	FlashPool string          `yaml:"flashPool"`
	Migration MigrationConfig `yaml:"migration"`
	Store     StoreConfig     `yaml:"store"`
	API       APIConfig       `yaml:"api"`
}

type ChainConfig struct {
	RPCEndpoint string  `yaml:"rpcEndpoint"`
	ChainID     int64   `yaml:"chainId"`
	RPCRateRPS  float64 `yaml:"rpcRateRps"`
	RPCBurst    int     `yaml:"rpcBurst"`
}

type ContractsConfig struct {
	EntryPoint          string `yaml:"entryPoint"`
	AccountFactory      string `yaml:"accountFactory"`
	AccountInitCodeHash string `yaml:"accountInitCodeHash"`
	Paymaster           string `yaml:"paymaster"`
	SessionKeyPlugin    string `yaml:"sessionKeyPlugin"`
	PluginManifestHash  string `yaml:"pluginManifestHash"`
	OwnerValidator      string `yaml:"ownerValidator"`
	Switcher            string `yaml:"switcher"`
	Beneficiary         string `yaml:"beneficiary"`
}

type MarketConfig struct {
	Address            string `yaml:"address"`
	CollateralAsset    string `yaml:"collateralAsset"`
	CollateralDecimals uint8  `yaml:"collateralDecimals"`
	BaseAsset          string `yaml:"baseAsset"`
	BaseDecimals       uint8  `yaml:"baseDecimals"`
}

type TokenConfig struct {
	Address string `yaml:"address"`
	Symbol  string `yaml:"symbol"`
}

type PoolConfig struct {
	Address   string `yaml:"address"`
	Token0    string `yaml:"token0"`
	Token1    string `yaml:"token1"`
	Decimals0 uint8  `yaml:"decimals0"`
	Decimals1 uint8  `yaml:"decimals1"`
}

type MigrationConfig struct {
	// BufferBps pads the borrow leg over the converted debt; it must cover
	// the flash-loan fee, the swap fee and slippage. A fixed conservative
	// bound, not a fee model.
	BufferBps   uint64 `yaml:"bufferBps"`
	SlippageBps uint64 `yaml:"slippageBps"`
}

type StoreConfig struct {
	Dir       string `yaml:"dir"`
	SecretEnv string `yaml:"secretEnv"`
}

type APIConfig struct {
	ListenAddress  string        `yaml:"listenAddress"`
	TokenEnv       string        `yaml:"tokenEnv"`
	RateLimitRPS   float64       `yaml:"rateLimitRps"`
	RateLimitBurst int           `yaml:"rateLimitBurst"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	MnemonicEnv    string        `yaml:"mnemonicEnv"`
}

func Default() Config {
	return Config{
		Chain: ChainConfig{
			RPCEndpoint: "http://127.0.0.1:8545",
			ChainID:     8453,
			RPCRateRPS:  20,
			RPCBurst:    40,
		},
		Migration: MigrationConfig{
			BufferBps:   200,
			SlippageBps: 100,
		},
		Store: StoreConfig{
			Dir:       "data",
			SecretEnv: "CSH_STORE_SECRET",
		},
		API: APIConfig{
			ListenAddress:  "127.0.0.1:8787",
			TokenEnv:       "CSH_API_TOKEN",
			RateLimitRPS:   10,
			RateLimitBurst: 20,
			RequestTimeout: 30 * time.Second,
			MnemonicEnv:    "CSH_RELAYER_MNEMONIC",
		},
	}
}

// Load reads the YAML file at path (if any), merges it over defaults and
// applies environment overrides, then validates.
func Load(path string) (Config, error) {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if path != "" {
		candidates = append(candidates, path)
	} else {
		candidates = append(candidates, "configs/config.yaml")
	}
	for _, candidate := range candidates {
		data, err := os.ReadFile(candidate)
		if err != nil {
			if path != "" {
				return Config{}, fmt.Errorf("read config %s: %w", candidate, err)
			}
			continue
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", candidate, err)
		}
		break
	}

	ApplyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func ApplyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("CSH_RPC_ENDPOINT")); v != "" {
		cfg.Chain.RPCEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("CSH_CHAIN_ID")); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Chain.ChainID = id
		}
	}
	if v := strings.TrimSpace(os.Getenv("CSH_LISTEN_ADDRESS")); v != "" {
		cfg.API.ListenAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("CSH_STORE_DIR")); v != "" {
		cfg.Store.Dir = v
	}
}

func (c Config) Validate() error {
	if c.Chain.RPCEndpoint == "" {
		return fmt.Errorf("chain.rpcEndpoint is required")
	}
	if c.Chain.ChainID <= 0 {
		return fmt.Errorf("chain.chainId must be positive")
	}
	required := map[string]string{
		"contracts.entryPoint":       c.Contracts.EntryPoint,
		"contracts.accountFactory":   c.Contracts.AccountFactory,
		"contracts.paymaster":        c.Contracts.Paymaster,
		"contracts.sessionKeyPlugin": c.Contracts.SessionKeyPlugin,
		"contracts.ownerValidator":   c.Contracts.OwnerValidator,
		"contracts.switcher":         c.Contracts.Switcher,
		"contracts.beneficiary":      c.Contracts.Beneficiary,
	}
	for name, value := range required {
		if !validAddress(value) {
			return fmt.Errorf("%s: %q is not a valid address", name, value)
		}
	}
	if len(c.Markets) < 2 {
		return fmt.Errorf("at least two markets are required for migration")
	}
	seen := make(map[string]bool)
	for i, m := range c.Markets {
		if !validAddress(m.Address) || !validAddress(m.CollateralAsset) || !validAddress(m.BaseAsset) {
			return fmt.Errorf("markets[%d]: invalid address", i)
		}
		key := strings.ToLower(m.Address)
		if seen[key] {
			return fmt.Errorf("markets[%d]: duplicate market %s", i, m.Address)
		}
		seen[key] = true
	}
	if !validAddress(c.SwapPool.Address) || !validAddress(c.SwapPool.Token0) || !validAddress(c.SwapPool.Token1) {
		return fmt.Errorf("swapPool: invalid address")
	}
	if !validAddress(c.FlashPool) {
		return fmt.Errorf("flashPool: %q is not a valid address", c.FlashPool)
	}
	if strings.EqualFold(c.FlashPool, c.SwapPool.Address) {
		return fmt.Errorf("flashPool and swapPool must be distinct contracts")
	}
	if c.Migration.SlippageBps >= 10_000 {
		return fmt.Errorf("migration.slippageBps %d leaves no output floor", c.Migration.SlippageBps)
	}
	return nil
}

// Secret reads an env-named secret, trimmed.
func Secret(envName string) string {
	return strings.TrimSpace(os.Getenv(envName))
}

func validAddress(s string) bool {
	return common.IsHexAddress(s) && common.HexToAddress(s) != (common.Address{})
}
