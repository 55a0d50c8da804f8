package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/erc721ahat/hat/publish"
	"github.com/erc721ahat/hat/publish/contracts/erc721ahat"
)

// deployer is the part of publish.Deployer the command drives.
type deployer interface {
	Address() common.Address
	ChainID() *big.Int
	EstimateGas(ctx context.Context, data []byte) (uint64, error)
	PredictAddress(ctx context.Context) (common.Address, error)
	DeployContract(ctx context.Context, data []byte, gasLimit uint64) (publish.DeployResult, error)
	ConfirmDeployment(ctx context.Context, name string, result publish.DeployResult) (*types.Receipt, error)
	Close() error
}

type dialFunc func(ctx context.Context, cfg config, key *ecdsa.PrivateKey) (deployer, error)

type report struct {
	Contract    string `json:"contract"`
	Address     string `json:"address"`
	TxHash      string `json:"tx_hash,omitempty"`
	Deployer    string `json:"deployer"`
	ChainID     string `json:"chain_id"`
	BlockNumber uint64 `json:"block_number,omitempty"`
	GasUsed     uint64 `json:"gas_used,omitempty"`
	DryRun      bool   `json:"dry_run,omitempty"`
}

var log = logrus.WithField("process", "hat-publish")

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr, dialDeployer))
}

// execute runs the command and returns the process exit code.
func execute(args []string, stdout, stderr io.Writer, dial dialFunc) int {
	if len(args) < 1 || args[0] != "deploy" {
		printUsage(stderr)
		return 2
	}

	cfg, err := parseFlags(args[1:], stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		return exitErr(stderr, err)
	}
	if err := configureLogging(cfg.LogLevel, stderr); err != nil {
		return exitErr(stderr, err)
	}
	if cfg.ConfigFile != "" {
		log.WithField("path", cfg.ConfigFile).Debug("config file loaded")
	}

	if err := run(context.Background(), cfg, stdout, dial); err != nil {
		return exitErr(stderr, err)
	}
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  hat-publish deploy [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Core flags/env: --rpc-url(RPC_URL) --private-key(PRIVATE_KEY) [--chain-id(CHAIN_ID)] [--public-address(PUBLIC_ADDRESS)]")
}

func dialDeployer(ctx context.Context, cfg config, key *ecdsa.PrivateKey) (deployer, error) {
	d, err := publish.NewDeployer(ctx, cfg.RPCURL, cfg.ChainID, key, big.NewInt(cfg.GasFeeCap), big.NewInt(cfg.GasTipCap))
	if err != nil {
		return nil, err
	}
	d.SetPollInterval(cfg.PollInterval)
	return d, nil
}

func run(ctx context.Context, cfg config, out io.Writer, dial dialFunc) error {
	key, deployerAddr, err := parsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return err
	}

	if cfg.PublicAddress != "" {
		pub, err := parseAddress(cfg.PublicAddress)
		if err != nil {
			return err
		}
		if !strings.EqualFold(pub.Hex(), deployerAddr.Hex()) {
			return fmt.Errorf("public-address %s does not match private key address %s", pub.Hex(), deployerAddr.Hex())
		}
	}

	args, err := constructorArgs(cfg)
	if err != nil {
		return err
	}

	artifact, err := publish.LoadArtifact(cfg.ArtifactsDir, cfg.Contract)
	if err != nil {
		return err
	}
	data, err := erc721ahat.EncodeDeploy(artifact, args)
	if err != nil {
		return err
	}

	entry := log.WithField("contract", cfg.Contract).WithField("artifact", artifact.Path)
	if !args.IsPercentSplit() {
		entry.WithField("total", args.SharesTotal().String()).Warn("shares do not sum to 100")
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.TimeoutSeconds)*time.Second)
	defer cancel()

	d, err := dial(ctx, cfg, key)
	if err != nil {
		return err
	}
	defer d.Close()

	entry = entry.WithField("deployer", d.Address().Hex()).WithField("chain", d.ChainID().String())

	gasLimit := cfg.GasLimit
	if gasLimit == 0 {
		gasLimit, err = d.EstimateGas(ctx, data)
		if err != nil {
			return err
		}
	}

	rep := report{
		Contract: cfg.Contract,
		Deployer: d.Address().Hex(),
		ChainID:  d.ChainID().String(),
	}

	if cfg.DryRun {
		addr, err := d.PredictAddress(ctx)
		if err != nil {
			return err
		}
		entry.WithField("gas", gasLimit).WithField("bytes", len(data)).Info("dry run, nothing sent")
		rep.Address = addr.Hex()
		rep.DryRun = true
		return writeReport(out, cfg, rep)
	}

	entry.WithField("gas", gasLimit).Info("deploying")
	result, err := d.DeployContract(ctx, data, gasLimit)
	if err != nil {
		return fmt.Errorf("deploy %s: %w", cfg.Contract, err)
	}
	receipt, err := d.ConfirmDeployment(ctx, cfg.Contract, result)
	if err != nil {
		return err
	}

	rep.Address = result.ContractAddress.Hex()
	rep.TxHash = result.TxHash.Hex()
	rep.GasUsed = receipt.GasUsed
	if receipt.BlockNumber != nil {
		rep.BlockNumber = receipt.BlockNumber.Uint64()
	}
	entry.WithField("address", rep.Address).WithField("tx", rep.TxHash).Info("deployed")

	return writeReport(out, cfg, rep)
}

func writeReport(out io.Writer, cfg config, rep report) error {
	if cfg.JSON {
		blob, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(blob))
		return err
	}
	verb := "deployed to"
	if rep.DryRun {
		verb = "would deploy to"
	}
	_, err := fmt.Fprintf(out, "greeterHat %s: %s\n", verb, rep.Address)
	return err
}

func constructorArgs(cfg config) (erc721ahat.ConstructorArgs, error) {
	payees, err := parseAddressList(cfg.Payees)
	if err != nil {
		return erc721ahat.ConstructorArgs{}, err
	}
	shares, err := parseShares(cfg.Shares)
	if err != nil {
		return erc721ahat.ConstructorArgs{}, err
	}
	return erc721ahat.ConstructorArgs{
		Payees:         payees,
		Shares:         shares,
		MerkleRoot:     cfg.MerkleRoot,
		BaseURI:        cfg.BaseURI,
		NotRevealedURI: cfg.NotRevealedURI,
	}, nil
}

func parsePrivateKey(v string) (*ecdsa.PrivateKey, common.Address, error) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "0x")
	key, err := crypto.HexToECDSA(v)
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("parse private key: %w", err)
	}
	return key, crypto.PubkeyToAddress(key.PublicKey), nil
}

func parseAddress(v string) (common.Address, error) {
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("invalid address: %s", v)
	}
	return common.HexToAddress(v), nil
}

func parseAddressList(parts []string) ([]common.Address, error) {
	out := make([]common.Address, len(parts))
	for i, part := range parts {
		addr, err := parseAddress(part)
		if err != nil {
			return nil, fmt.Errorf("payee[%d]: %w", i, err)
		}
		out[i] = addr
	}
	return out, nil
}

func parseShares(parts []string) ([]*big.Int, error) {
	out := make([]*big.Int, len(parts))
	for i, part := range parts {
		n, ok := new(big.Int).SetString(part, 10)
		if !ok || n.Sign() < 0 || n.BitLen() > 256 {
			return nil, fmt.Errorf("share[%d]: invalid uint256 %q", i, part)
		}
		out[i] = n
	}
	return out, nil
}

func exitErr(w io.Writer, err error) int {
	fmt.Fprintf(w, "error: %v\n", err)
	return 1
}
