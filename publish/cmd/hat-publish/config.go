package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/erc721ahat/hat/publish"
	"github.com/erc721ahat/hat/publish/contracts/erc721ahat"
)

type config struct {
	Contract       string
	ArtifactsDir   string
	RPCURL         string
	ChainID        int64
	PrivateKey     string
	PublicAddress  string
	GasFeeCap      int64
	GasTipCap      int64
	GasLimit       uint64
	TimeoutSeconds int
	PollInterval   time.Duration
	Payees         []string
	Shares         []string
	MerkleRoot     string
	BaseURI        string
	NotRevealedURI string
	JSON           bool
	DryRun         bool
	LogLevel       string
	ConfigFile     string
}

func defaultShares() []string {
	shares := erc721ahat.DefaultShares()
	out := make([]string, len(shares))
	for i, s := range shares {
		out[i] = strconv.FormatInt(s, 10)
	}
	return out
}

// envBindings maps config keys to environment variables. Keys that change
// what the command does (config, json, dry-run) are flag or file only.
var envBindings = map[string]string{
	"contract":         "CONTRACT",
	"artifacts-dir":    "ARTIFACTS_DIR",
	"rpc-url":          "RPC_URL",
	"chain-id":         "CHAIN_ID",
	"private-key":      "PRIVATE_KEY",
	"public-address":   "PUBLIC_ADDRESS",
	"gas-fee-cap":      "GAS_FEE_CAP",
	"gas-tip-cap":      "GAS_TIP_CAP",
	"gas-limit":        "GAS_LIMIT",
	"timeout-seconds":  "TIMEOUT_SECONDS",
	"poll-interval":    "POLL_INTERVAL",
	"log-level":        "LOG_LEVEL",
	"payees":           "HAT_PAYEES",
	"shares":           "HAT_SHARES",
	"merkle-root":      "HAT_MERKLE_ROOT",
	"base-uri":         "HAT_BASE_URI",
	"not-revealed-uri": "HAT_NOT_REVEALED_URI",
}

// parseFlags resolves configuration with the precedence
// flag > env > config file > default.
func parseFlags(args []string, output io.Writer) (config, error) {
	fs := pflag.NewFlagSet("deploy", pflag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() {
		printUsage(output)
		fs.PrintDefaults()
	}

	fs.String("config", "", "config file (yaml, toml or json)")
	fs.String("contract", erc721ahat.Name(), "artifact name of the contract to deploy")
	fs.String("artifacts-dir", "artifacts", "hardhat artifacts directory")
	fs.String("rpc-url", "", "RPC URL")
	fs.Int64("chain-id", 0, "chain id (default: as reported by the RPC)")
	fs.String("private-key", "", "private key hex")
	fs.String("public-address", "", "public address for validation")
	fs.Int64("gas-fee-cap", 2_000_000_000, "EIP-1559 fee cap")
	fs.Int64("gas-tip-cap", 1_000_000_000, "EIP-1559 tip cap")
	fs.Uint64("gas-limit", 0, "gas limit (0 estimates)")
	fs.Int("timeout-seconds", 600, "timeout in seconds")
	fs.Duration("poll-interval", publish.DefaultPollInterval, "receipt poll interval")
	fs.StringSlice("payees", erc721ahat.DefaultPayees(), "comma-separated payee addresses")
	fs.StringSlice("shares", defaultShares(), "comma-separated payee shares")
	fs.String("merkle-root", erc721ahat.DefaultMerkleRoot, "allowlist merkle root")
	fs.String("base-uri", erc721ahat.DefaultBaseURI, "token base URI")
	fs.String("not-revealed-uri", erc721ahat.DefaultNotRevealedURI, "URI served before reveal")
	fs.Bool("json", false, "print a JSON report instead of a single line")
	fs.Bool("dry-run", false, "encode and print the predicted address without sending")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}
	if rest := fs.Args(); len(rest) > 0 {
		return config{}, fmt.Errorf("unexpected argument: %q", rest[0])
	}

	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return config{}, fmt.Errorf("bind flags: %w", err)
	}
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return config{}, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := config{
		Contract:       strings.TrimSpace(v.GetString("contract")),
		ArtifactsDir:   v.GetString("artifacts-dir"),
		RPCURL:         strings.TrimSpace(v.GetString("rpc-url")),
		ChainID:        v.GetInt64("chain-id"),
		PrivateKey:     strings.TrimSpace(v.GetString("private-key")),
		PublicAddress:  strings.TrimSpace(v.GetString("public-address")),
		GasFeeCap:      v.GetInt64("gas-fee-cap"),
		GasTipCap:      v.GetInt64("gas-tip-cap"),
		GasLimit:       v.GetUint64("gas-limit"),
		TimeoutSeconds: v.GetInt("timeout-seconds"),
		PollInterval:   v.GetDuration("poll-interval"),
		Payees:         stringList(v, "payees"),
		Shares:         stringList(v, "shares"),
		MerkleRoot:     strings.TrimSpace(v.GetString("merkle-root")),
		BaseURI:        v.GetString("base-uri"),
		NotRevealedURI: v.GetString("not-revealed-uri"),
		JSON:           v.GetBool("json"),
		DryRun:         v.GetBool("dry-run"),
		LogLevel:       v.GetString("log-level"),
		ConfigFile:     v.ConfigFileUsed(),
	}

	if cfg.RPCURL == "" || cfg.PrivateKey == "" {
		return config{}, errors.New("rpc-url and private-key are required")
	}
	if cfg.Contract == "" {
		return config{}, errors.New("--contract must not be empty")
	}
	if cfg.TimeoutSeconds <= 0 {
		return config{}, fmt.Errorf("timeout-seconds must be positive, got %d", cfg.TimeoutSeconds)
	}
	if cfg.GasFeeCap < cfg.GasTipCap {
		return config{}, fmt.Errorf("gas-fee-cap %d is below gas-tip-cap %d", cfg.GasFeeCap, cfg.GasTipCap)
	}

	return cfg, nil
}

// stringList reads a list from flags ([]string), env (comma-separated
// string) or a config file ([]any).
func stringList(v *viper.Viper, key string) []string {
	var out []string
	switch val := v.Get(key).(type) {
	case string:
		out = splitCSV(val)
	case []string:
		for _, s := range val {
			out = append(out, splitCSV(s)...)
		}
	case []any:
		for _, s := range val {
			out = append(out, splitCSV(fmt.Sprint(s))...)
		}
	}
	return out
}

func configureLogging(level string, out io.Writer) error {
	logrus.SetOutput(out)
	logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parse log-level: %w", err)
	}
	logrus.SetLevel(lvl)
	return nil
}

func splitCSV(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
