package entrypoint

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"cometshift/go-backend/internal/testutil/chainmock"
	"cometshift/go-backend/internal/userop"
)

var (
	epAddr  = common.HexToAddress("0xE000000000000000000000000000000000000001")
	chainID = big.NewInt(8453)
)

func TestNonceOf(t *testing.T) {
	mock := chainmock.New()
	sender := common.HexToAddress("0xA000000000000000000000000000000000000001")
	mock.HandleReturn(epAddr, GetNonceSelector(), common.BigToHash(big.NewInt(42)).Bytes())

	b := New(epAddr, chainID, mock)
	nonce, err := b.NonceOf(context.Background(), sender)
	if err != nil {
		t.Fatalf("NonceOf failed: %v", err)
	}
	if nonce.Int64() != 42 {
		t.Fatalf("expected nonce 42, got %s", nonce)
	}
}

func TestPackHandleOpsRoundTripsThroughABI(t *testing.T) {
	op := &userop.Operation{
		Sender:       common.HexToAddress("0xA000000000000000000000000000000000000001"),
		Nonce:        big.NewInt(1),
		CallData:     []byte{0xca, 0xfe},
		CallGasLimit: big.NewInt(100),
		Signature:    []byte{0x01},
	}
	data, err := PackHandleOps([]*userop.Operation{op}, common.HexToAddress("0xB000000000000000000000000000000000000001"))
	if err != nil {
		t.Fatalf("pack failed: %v", err)
	}
	if len(data) < 4 {
		t.Fatal("packed calldata too short")
	}
	args, err := parsedABI.Methods["handleOps"].Inputs.Unpack(data[4:])
	if err != nil {
		t.Fatalf("self-decode failed: %v", err)
	}
	if len(args) != 2 {
		t.Fatalf("expected 2 args, got %d", len(args))
	}
}

func TestParseResultsDecodesPerOpOutcome(t *testing.T) {
	b := New(epAddr, chainID, chainmock.New())
	opHash := common.HexToHash("0x1234000000000000000000000000000000000000000000000000000000000000")
	sender := common.HexToAddress("0xA000000000000000000000000000000000000001")
	paymaster := common.HexToAddress("0xC000000000000000000000000000000000000001")

	okLog, err := EncodeResultLog(opHash, sender, paymaster, big.NewInt(3), true, big.NewInt(1000), big.NewInt(90_000))
	if err != nil {
		t.Fatalf("encode log: %v", err)
	}
	okLog.Address = epAddr
	foreign := &types.Log{Address: common.HexToAddress("0xdead"), Topics: []common.Hash{userOpEventID}}

	results := b.ParseResults([]*types.Log{foreign, okLog})
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.OpHash != opHash || r.Sender != sender || !r.Success {
		t.Fatalf("unexpected result: %+v", r)
	}
	if r.GasUsed.Int64() != 90_000 {
		t.Fatalf("unexpected gas used: %s", r.GasUsed)
	}
}

func TestParseResultsReportsOpRevert(t *testing.T) {
	b := New(epAddr, chainID, chainmock.New())
	opHash := common.HexToHash("0x99")
	lg, err := EncodeResultLog(opHash, common.Address{}, common.Address{}, big.NewInt(0), false, big.NewInt(500), big.NewInt(40_000))
	if err != nil {
		t.Fatalf("encode log: %v", err)
	}
	lg.Address = epAddr
	results := b.ParseResults([]*types.Log{lg})
	if len(results) != 1 || results[0].Success {
		t.Fatal("reverted operation must surface success=false")
	}
}
