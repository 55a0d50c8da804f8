package publish

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/lmittmann/w3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChainID = 1337

// fakeEth serves the eth_ methods the deployer uses.
type fakeEth struct {
	mu sync.Mutex

	chainID      uint64
	nonce        uint64
	estimate     uint64
	status       uint64
	pendingPolls int
	receiptErr   error
	code         []byte

	sent         []*types.Transaction
	receiptPolls int
}

func newFakeEth() *fakeEth {
	return &fakeEth{
		chainID:  testChainID,
		nonce:    3,
		estimate: 100_000,
		status:   types.ReceiptStatusSuccessful,
		code:     []byte{0x60, 0x80},
	}
}

func (f *fakeEth) ChainId() hexutil.Uint64 {
	return hexutil.Uint64(f.chainID)
}

func (f *fakeEth) GetTransactionCount(addr common.Address, block *string) hexutil.Uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return hexutil.Uint64(f.nonce)
}

func (f *fakeEth) EstimateGas(args map[string]any, block *string) (hexutil.Uint64, error) {
	return hexutil.Uint64(f.estimate), nil
}

func (f *fakeEth) SendRawTransaction(input hexutil.Bytes) (common.Hash, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(input); err != nil {
		return common.Hash{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return tx.Hash(), nil
}

func (f *fakeEth) GetTransactionReceipt(hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiptPolls++
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	if f.receiptPolls <= f.pendingPolls {
		return nil, nil
	}
	for _, tx := range f.sent {
		if tx.Hash() != hash {
			continue
		}
		from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
		if err != nil {
			return nil, err
		}
		return &types.Receipt{
			Type:              tx.Type(),
			Status:            f.status,
			CumulativeGasUsed: 90_000,
			GasUsed:           90_000,
			Logs:              []*types.Log{},
			TxHash:            hash,
			ContractAddress:   crypto.CreateAddress(from, tx.Nonce()),
			BlockHash:         common.HexToHash("0x01"),
			BlockNumber:       big.NewInt(7),
		}, nil
	}
	return nil, nil
}

func (f *fakeEth) GetCode(addr common.Address, block *string) (hexutil.Bytes, error) {
	return f.code, nil
}

func (f *fakeEth) sentTxs() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

func newTestClient(t *testing.T, f *fakeEth) *w3.Client {
	t.Helper()
	srv := rpc.NewServer()
	require.NoError(t, srv.RegisterName("eth", f))
	t.Cleanup(srv.Stop)
	return w3.NewClient(rpc.DialInProc(srv))
}

func newTestDeployer(t *testing.T, f *fakeEth) *Deployer {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	d, err := NewDeployerWithClient(context.Background(), newTestClient(t, f), testChainID, key, big.NewInt(2_000_000_000), big.NewInt(1_000_000_000))
	require.NoError(t, err)
	d.SetPollInterval(time.Millisecond)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestNewDeployerChainID(t *testing.T) {
	f := newFakeEth()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	_, err = NewDeployerWithClient(context.Background(), newTestClient(t, f), 1, key, big.NewInt(1), big.NewInt(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chain id mismatch")

	d, err := NewDeployerWithClient(context.Background(), newTestClient(t, f), 0, key, big.NewInt(1), big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, int64(testChainID), d.ChainID().Int64())
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), d.Address())
}

func TestDeployContractSendsOnce(t *testing.T) {
	f := newFakeEth()
	d := newTestDeployer(t, f)
	data := []byte{0x60, 0x80, 0x60, 0x40, 0x01}

	result, err := d.DeployContract(context.Background(), data, 250_000)
	require.NoError(t, err)

	sent := f.sentTxs()
	require.Len(t, sent, 1)
	tx := sent[0]
	assert.Nil(t, tx.To())
	assert.Equal(t, uint8(types.DynamicFeeTxType), tx.Type())
	assert.Equal(t, data, tx.Data())
	assert.Equal(t, uint64(250_000), tx.Gas())
	assert.Equal(t, uint64(3), tx.Nonce())
	assert.Equal(t, int64(testChainID), tx.ChainId().Int64())
	assert.Equal(t, int64(2_000_000_000), tx.GasFeeCap().Int64())
	assert.Equal(t, int64(1_000_000_000), tx.GasTipCap().Int64())

	from, err := types.Sender(types.NewLondonSigner(big.NewInt(testChainID)), tx)
	require.NoError(t, err)
	assert.Equal(t, d.Address(), from)

	assert.Equal(t, tx.Hash(), result.TxHash)
	assert.Equal(t, crypto.CreateAddress(d.Address(), 3), result.ContractAddress)
}

func TestConfirmDeployment(t *testing.T) {
	f := newFakeEth()
	f.pendingPolls = 2
	d := newTestDeployer(t, f)

	result, err := d.DeployContract(context.Background(), []byte{0x60}, 100_000)
	require.NoError(t, err)

	receipt, err := d.ConfirmDeployment(context.Background(), "ERC721AHat", result)
	require.NoError(t, err)
	assert.Equal(t, result.ContractAddress, receipt.ContractAddress)
	assert.Equal(t, uint64(7), receipt.BlockNumber.Uint64())
	assert.Equal(t, 3, f.receiptPolls)
	assert.Len(t, f.sentTxs(), 1)
}

func TestConfirmDeploymentFailures(t *testing.T) {
	tests := []struct {
		name    string
		status  uint64
		code    []byte
		errPart string
	}{
		{name: "constructor revert", status: types.ReceiptStatusFailed, code: []byte{0x60}, errPart: "ERC721AHat deployment reverted"},
		{name: "no code", status: types.ReceiptStatusSuccessful, code: nil, errPart: "has no code"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeEth()
			f.status = tt.status
			f.code = tt.code
			d := newTestDeployer(t, f)

			result, err := d.DeployContract(context.Background(), []byte{0x60}, 100_000)
			require.NoError(t, err)

			_, err = d.ConfirmDeployment(context.Background(), "ERC721AHat", result)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errPart)
			assert.Len(t, f.sentTxs(), 1)
		})
	}
}

func TestWaitForReceiptContextDone(t *testing.T) {
	f := newFakeEth()
	f.pendingPolls = 1 << 30
	d := newTestDeployer(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := d.WaitForReceipt(ctx, common.HexToHash("0xdead"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.NotContains(t, err.Error(), "last rpc error")
}

func TestWaitForReceiptKeepsRPCError(t *testing.T) {
	f := newFakeEth()
	f.receiptErr = errors.New("backend unavailable")
	d := newTestDeployer(t, f)

	result, err := d.DeployContract(context.Background(), []byte{0x60}, 100_000)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = d.ConfirmDeployment(ctx, "ERC721AHat", result)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Contains(t, err.Error(), "wait ERC721AHat deployment")
	assert.Contains(t, err.Error(), "last rpc error")
	assert.Contains(t, err.Error(), "backend unavailable")
	assert.Len(t, f.sentTxs(), 1)
}

func TestReceiptPending(t *testing.T) {
	assert.True(t, receiptPending(w3.CallErrors{errors.New("not found")}))
	assert.False(t, receiptPending(w3.CallErrors{errors.New("backend unavailable")}))
	assert.False(t, receiptPending(w3.CallErrors{nil, errors.New("not found")}))
	assert.False(t, receiptPending(errors.New("not found")))
}

func TestEstimateGasBuffer(t *testing.T) {
	f := newFakeEth()
	d := newTestDeployer(t, f)

	gas, err := d.EstimateGas(context.Background(), []byte{0x60})
	require.NoError(t, err)
	assert.Equal(t, uint64(120_000), gas)
}

func TestPredictAddress(t *testing.T) {
	f := newFakeEth()
	f.nonce = 9
	d := newTestDeployer(t, f)

	addr, err := d.PredictAddress(context.Background())
	require.NoError(t, err)
	assert.Equal(t, crypto.CreateAddress(d.Address(), 9), addr)
	assert.Empty(t, f.sentTxs())
}

func TestContractAddressFromReceipt(t *testing.T) {
	_, err := ContractAddressFromReceipt(nil)
	assert.Error(t, err)

	_, err = ContractAddressFromReceipt(&types.Receipt{})
	assert.Error(t, err)

	want := common.HexToAddress("0x5B38Da6a701c568545dCfcB03FcB875f56beddC4")
	got, err := ContractAddressFromReceipt(&types.Receipt{ContractAddress: want})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
