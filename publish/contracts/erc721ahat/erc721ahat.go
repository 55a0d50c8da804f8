package erc721ahat

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/erc721ahat/hat/publish"
)

const (
	name         = "ERC721AHat"
	sharesTotal  = 100
	merkleRootSz = 32
)

// Values baked into the original deployment.
const (
	DefaultMerkleRoot     = "0x2e95d9b220e054ce1ffa9e0698bcf436f445e88fc75ef6e9126b547e21356c6e"
	DefaultBaseURI        = "test/"
	DefaultNotRevealedURI = "test/"
)

var (
	defaultPayees = []string{
		"0x5B38Da6a701c568545dCfcB03FcB875f56beddC4",
		"0xAb8483F64d9C6d1EcF9b849Ae677dD3315835cb2",
		"0x4B20993Bc481177ec7E8f571ceCaE8A9e22C02db",
	}
	defaultShares = []int64{60, 20, 20}
)

type ConstructorArgs struct {
	Payees         []common.Address
	Shares         []*big.Int
	MerkleRoot     string
	BaseURI        string
	NotRevealedURI string
}

func Name() string { return name }

func DefaultPayees() []string {
	return append([]string(nil), defaultPayees...)
}

func DefaultShares() []int64 {
	return append([]int64(nil), defaultShares...)
}

func DefaultArgs() ConstructorArgs {
	args := ConstructorArgs{
		Payees:         make([]common.Address, len(defaultPayees)),
		Shares:         make([]*big.Int, len(defaultShares)),
		MerkleRoot:     DefaultMerkleRoot,
		BaseURI:        DefaultBaseURI,
		NotRevealedURI: DefaultNotRevealedURI,
	}
	for i, p := range defaultPayees {
		args.Payees[i] = common.HexToAddress(p)
	}
	for i, s := range defaultShares {
		args.Shares[i] = big.NewInt(s)
	}
	return args
}

// SharesTotal sums the payee shares. The payment splitter accepts any
// positive total; 100 is the convention.
func (a ConstructorArgs) SharesTotal() *big.Int {
	total := new(big.Int)
	for _, s := range a.Shares {
		if s != nil {
			total.Add(total, s)
		}
	}
	return total
}

func (a ConstructorArgs) IsPercentSplit() bool {
	return a.SharesTotal().Cmp(big.NewInt(sharesTotal)) == 0
}

func (a ConstructorArgs) Validate() error {
	if len(a.Payees) == 0 {
		return errors.New("at least one payee is required")
	}
	if len(a.Payees) != len(a.Shares) {
		return fmt.Errorf("payees and shares length mismatch: %d != %d", len(a.Payees), len(a.Shares))
	}
	for i, s := range a.Shares {
		if s == nil || s.Sign() <= 0 {
			return fmt.Errorf("share[%d] must be positive", i)
		}
	}
	return nil
}

// EncodeDeploy validates args and packs them after the artifact bytecode.
func EncodeDeploy(artifact *publish.Artifact, args ConstructorArgs) ([]byte, error) {
	if err := args.Validate(); err != nil {
		return nil, err
	}
	values, err := constructorValues(artifact.ABI.Constructor, args)
	if err != nil {
		return nil, err
	}
	return artifact.DeployData(values...)
}

// constructorValues maps args onto the constructor inputs by position:
// (address[], uint256[], bytes32|string, string, string).
func constructorValues(ctor abi.Method, args ConstructorArgs) ([]any, error) {
	inputs := ctor.Inputs
	if len(inputs) != 5 {
		return nil, fmt.Errorf("%s constructor takes %d arguments, expected 5", name, len(inputs))
	}
	if inputs[0].Type.String() != "address[]" {
		return nil, fmt.Errorf("constructor input 0 is %s, expected address[]", inputs[0].Type)
	}
	if inputs[1].Type.String() != "uint256[]" {
		return nil, fmt.Errorf("constructor input 1 is %s, expected uint256[]", inputs[1].Type)
	}
	for i := 3; i < 5; i++ {
		if inputs[i].Type.T != abi.StringTy {
			return nil, fmt.Errorf("constructor input %d is %s, expected string", i, inputs[i].Type)
		}
	}

	var root any
	switch inputs[2].Type.T {
	case abi.FixedBytesTy:
		if inputs[2].Type.Size != merkleRootSz {
			return nil, fmt.Errorf("constructor input 2 is %s, expected bytes32", inputs[2].Type)
		}
		b, err := publish.HexDecode(args.MerkleRoot)
		if err != nil {
			return nil, fmt.Errorf("merkle root: %w", err)
		}
		if len(b) != merkleRootSz {
			return nil, fmt.Errorf("merkle root must be %d bytes, got %d", merkleRootSz, len(b))
		}
		var fixed [merkleRootSz]byte
		copy(fixed[:], b)
		root = fixed
	case abi.StringTy:
		root = args.MerkleRoot
	default:
		return nil, fmt.Errorf("constructor input 2 is %s, expected bytes32 or string", inputs[2].Type)
	}

	return []any{args.Payees, args.Shares, root, args.BaseURI, args.NotRevealedURI}, nil
}
