package publish

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/lmittmann/w3"
	"github.com/lmittmann/w3/module/eth"
	"github.com/lmittmann/w3/w3types"
	"github.com/sirupsen/logrus"
)

const (
	DefaultPollInterval = 2 * time.Second

	// gasBufferPercent is added on top of eth_estimateGas results.
	gasBufferPercent = 20
)

var log = logrus.WithField("process", "publish")

type (
	DeployResult struct {
		TxHash          common.Hash
		ContractAddress common.Address
	}

	Deployer struct {
		client       *w3.Client
		chainID      *big.Int
		signer       types.Signer
		key          *ecdsa.PrivateKey
		address      common.Address
		gasFeeCap    *big.Int
		gasTipCap    *big.Int
		pollInterval time.Duration
	}
)

// NewDeployer dials rpcURL. A chainID of 0 is resolved through eth_chainId.
func NewDeployer(ctx context.Context, rpcURL string, chainID int64, privateKey *ecdsa.PrivateKey, gasFeeCap, gasTipCap *big.Int) (*Deployer, error) {
	client, err := w3.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	d, err := NewDeployerWithClient(ctx, client, chainID, privateKey, gasFeeCap, gasTipCap)
	if err != nil {
		client.Close()
		return nil, err
	}
	return d, nil
}

// NewDeployerWithClient wraps an existing client. The chain id reported by
// the node must match chainID unless chainID is 0.
func NewDeployerWithClient(ctx context.Context, client *w3.Client, chainID int64, privateKey *ecdsa.PrivateKey, gasFeeCap, gasTipCap *big.Int) (*Deployer, error) {
	var remote uint64
	if err := client.CallCtx(ctx, eth.ChainID().Returns(&remote)); err != nil {
		return nil, fmt.Errorf("get chain id: %w", err)
	}
	if chainID != 0 && uint64(chainID) != remote {
		return nil, fmt.Errorf("chain id mismatch: configured %d, rpc reports %d", chainID, remote)
	}

	id := new(big.Int).SetUint64(remote)
	return &Deployer{
		client:       client,
		chainID:      id,
		signer:       types.NewLondonSigner(id),
		key:          privateKey,
		address:      crypto.PubkeyToAddress(privateKey.PublicKey),
		gasFeeCap:    gasFeeCap,
		gasTipCap:    gasTipCap,
		pollInterval: DefaultPollInterval,
	}, nil
}

func (d *Deployer) Address() common.Address {
	return d.address
}

func (d *Deployer) ChainID() *big.Int {
	return new(big.Int).Set(d.chainID)
}

func (d *Deployer) SetPollInterval(interval time.Duration) {
	if interval > 0 {
		d.pollInterval = interval
	}
}

func (d *Deployer) Close() error {
	return d.client.Close()
}

func (d *Deployer) getNonce(ctx context.Context) (uint64, error) {
	var nonce uint64
	if err := d.client.CallCtx(ctx, eth.Nonce(d.address, nil).Returns(&nonce)); err != nil {
		return 0, fmt.Errorf("get nonce: %w", err)
	}
	return nonce, nil
}

func (d *Deployer) sendTx(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	signedTx, err := types.SignTx(tx, d.signer, d.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}
	if err := d.client.CallCtx(ctx, eth.SendTx(signedTx).Returns(nil)); err != nil {
		return common.Hash{}, fmt.Errorf("send tx: %w", err)
	}
	return signedTx.Hash(), nil
}

func (d *Deployer) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	var code []byte
	if err := d.client.CallCtx(ctx, eth.Code(addr, nil).Returns(&code)); err != nil {
		return nil, fmt.Errorf("get code %s: %w", addr.Hex(), err)
	}
	return code, nil
}

// EstimateGas estimates a contract creation carrying data and pads the
// result by gasBufferPercent.
func (d *Deployer) EstimateGas(ctx context.Context, data []byte) (uint64, error) {
	msg := &w3types.Message{
		From:      d.address,
		GasFeeCap: d.gasFeeCap,
		GasTipCap: d.gasTipCap,
		Input:     data,
	}
	var gas uint64
	if err := d.client.CallCtx(ctx, eth.EstimateGas(msg, nil).Returns(&gas)); err != nil {
		return 0, fmt.Errorf("estimate gas: %w", err)
	}
	return gas + gas*gasBufferPercent/100, nil
}

// PredictAddress returns the address the next creation transaction from the
// deployer account will occupy.
func (d *Deployer) PredictAddress(ctx context.Context) (common.Address, error) {
	nonce, err := d.getNonce(ctx)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.CreateAddress(d.address, nonce), nil
}

// DeployContract sends a single contract creation transaction. It does not
// retry.
func (d *Deployer) DeployContract(ctx context.Context, data []byte, gasLimit uint64) (DeployResult, error) {
	nonce, err := d.getNonce(ctx)
	if err != nil {
		return DeployResult{}, err
	}

	contractAddr := crypto.CreateAddress(d.address, nonce)

	// EIP-1559 only
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   d.chainID,
		Nonce:     nonce,
		GasFeeCap: d.gasFeeCap,
		GasTipCap: d.gasTipCap,
		Gas:       gasLimit,
		Data:      data,
	})

	txHash, err := d.sendTx(ctx, tx)
	if err != nil {
		return DeployResult{}, err
	}

	log.WithField("tx", txHash.Hex()).
		WithField("nonce", nonce).
		WithField("gas", gasLimit).
		Debug("creation tx sent")

	return DeployResult{
		TxHash:          txHash,
		ContractAddress: contractAddr,
	}, nil
}

func (d *Deployer) WaitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	// lastErr is the most recent rpc failure; a missing receipt is not one.
	var lastErr error
	for {
		var receipt *types.Receipt
		err := d.client.CallCtx(ctx, eth.TxReceipt(txHash).Returns(&receipt))
		switch {
		case err == nil && receipt != nil:
			return receipt, nil
		case err != nil && !receiptPending(err) && ctx.Err() == nil:
			lastErr = err
			log.WithField("tx", txHash.Hex()).WithError(err).Warn("receipt lookup failed")
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, fmt.Errorf("%w (last rpc error: %v)", ctx.Err(), lastErr)
			}
			return nil, ctx.Err()
		case <-ticker.C:
			log.WithField("tx", txHash.Hex()).Debug("waiting for receipt")
		}
	}
}

// receiptPending reports whether err is w3's answer to a null receipt. The
// sentinel is unexported, so the single call error is matched by text.
func receiptPending(err error) bool {
	var callErrs w3.CallErrors
	if !errors.As(err, &callErrs) || len(callErrs) != 1 || callErrs[0] == nil {
		return false
	}
	return callErrs[0].Error() == "not found"
}

// ConfirmDeployment waits for the creation receipt of result and checks that
// the constructor succeeded and left code behind.
func (d *Deployer) ConfirmDeployment(ctx context.Context, name string, result DeployResult) (*types.Receipt, error) {
	receipt, err := d.WaitForReceipt(ctx, result.TxHash)
	if err != nil {
		return nil, fmt.Errorf("wait %s deployment: %w", name, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%s deployment reverted: %s", name, result.TxHash.Hex())
	}

	addr, err := ContractAddressFromReceipt(receipt)
	if err != nil {
		addr = result.ContractAddress
	}
	if addr != result.ContractAddress {
		return receipt, fmt.Errorf("%s deployed to %s, expected %s", name, addr.Hex(), result.ContractAddress.Hex())
	}

	code, err := d.CodeAt(ctx, addr)
	if err != nil {
		return receipt, err
	}
	if len(code) == 0 {
		return receipt, fmt.Errorf("%s address %s has no code", name, addr.Hex())
	}
	return receipt, nil
}

func ContractAddressFromReceipt(receipt *types.Receipt) (common.Address, error) {
	if receipt == nil || receipt.ContractAddress == (common.Address{}) {
		return common.Address{}, errors.New("contract address not found in receipt")
	}
	return receipt.ContractAddress, nil
}
