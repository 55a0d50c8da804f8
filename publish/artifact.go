package publish

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Artifact is a compiled contract as emitted by Hardhat under
// artifacts/contracts/<Name>.sol/<Name>.json.
type Artifact struct {
	ContractName   string
	SourceName     string
	ABI            abi.ABI
	Bytecode       []byte
	LinkReferences map[string]map[string]json.RawMessage
	Path           string
}

type artifactFile struct {
	ContractName   string                                `json:"contractName"`
	SourceName     string                                `json:"sourceName"`
	ABI            json.RawMessage                       `json:"abi"`
	Bytecode       string                                `json:"bytecode"`
	LinkReferences map[string]map[string]json.RawMessage `json:"linkReferences"`
}

var ErrArtifactNotFound = errors.New("artifact not found")

// LoadArtifact finds the artifact of contract name below dir. The Hardhat
// layout is tried first, then any <name>.json below dir.
func LoadArtifact(dir, name string) (*Artifact, error) {
	path, err := findArtifact(dir, name)
	if err != nil {
		return nil, err
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	a, err := ParseArtifact(blob)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if a.ContractName != "" && a.ContractName != name {
		return nil, fmt.Errorf("%s: artifact is for %s, not %s", path, a.ContractName, name)
	}
	a.Path = path
	return a, nil
}

func ParseArtifact(blob []byte) (*Artifact, error) {
	var raw artifactFile
	if err := json.Unmarshal(blob, &raw); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(string(raw.ABI)))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	if lib := unlinkedLibrary(raw.LinkReferences); lib != "" {
		return nil, fmt.Errorf("%s needs library %s linked before deployment", raw.ContractName, lib)
	}

	bytecode, err := HexDecode(raw.Bytecode)
	if err != nil {
		return nil, fmt.Errorf("decode bytecode: %w", err)
	}
	if len(bytecode) == 0 {
		return nil, fmt.Errorf("%s has no bytecode (abstract contract or interface)", raw.ContractName)
	}

	return &Artifact{
		ContractName:   raw.ContractName,
		SourceName:     raw.SourceName,
		ABI:            parsed,
		Bytecode:       bytecode,
		LinkReferences: raw.LinkReferences,
	}, nil
}

// DeployData returns the creation bytecode followed by the packed
// constructor arguments.
func (a *Artifact) DeployData(args ...any) ([]byte, error) {
	if want := len(a.ABI.Constructor.Inputs); want != len(args) {
		return nil, fmt.Errorf("%s constructor takes %d arguments, got %d", a.ContractName, want, len(args))
	}
	packed, err := a.ABI.Pack("", args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s constructor: %w", a.ContractName, err)
	}
	data := make([]byte, 0, len(a.Bytecode)+len(packed))
	data = append(data, a.Bytecode...)
	return append(data, packed...), nil
}

func findArtifact(dir, name string) (string, error) {
	direct := filepath.Join(dir, "contracts", name+".sol", name+".json")
	if _, err := os.Stat(direct); err == nil {
		return direct, nil
	}

	var found string
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		// build-info holds compiler input, never a contract artifact.
		if entry.IsDir() && entry.Name() == "build-info" {
			return filepath.SkipDir
		}
		if !entry.IsDir() && entry.Name() == name+".json" {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("search artifacts in %s: %w", dir, err)
	}
	if found == "" {
		return "", fmt.Errorf("%s in %s: %w", name, dir, ErrArtifactNotFound)
	}
	return found, nil
}

func unlinkedLibrary(refs map[string]map[string]json.RawMessage) string {
	sources := make([]string, 0, len(refs))
	for source := range refs {
		sources = append(sources, source)
	}
	sort.Strings(sources)
	for _, source := range sources {
		libs := make([]string, 0, len(refs[source]))
		for lib := range refs[source] {
			libs = append(libs, lib)
		}
		sort.Strings(libs)
		if len(libs) > 0 {
			return source + ":" + libs[0]
		}
	}
	return ""
}

// HexDecode decodes hex with or without a 0x prefix.
func HexDecode(hexStr string) ([]byte, error) {
	hexStr = strings.TrimSpace(hexStr)
	hexStr = strings.TrimPrefix(strings.TrimPrefix(hexStr, "0x"), "0X")
	if hexStr == "" {
		return nil, nil
	}
	return hexutil.Decode("0x" + hexStr)
}
