package storage

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"cometshift/go-backend/internal/testutil/fsperm"
	"cometshift/go-backend/pkg/models"
)

func samplePosition(account, market string) models.Position {
	return models.Position{
		Account:          account,
		Market:           market,
		CollateralAsset:  "0x1000000000000000000000000000000000000003",
		CollateralAmount: "100000000",
		DebtAsset:        "0x1000000000000000000000000000000000000001",
		DebtAmount:       "20000000000",
	}
}

func TestOpenCloseLifecycle(t *testing.T) {
	s := NewMemoryPositionStore()
	opened, err := s.Open(samplePosition("acct", "mkt-a"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !strings.HasPrefix(opened.ID, "pos1") {
		t.Fatalf("position id %q", opened.ID)
	}
	if opened.Status != models.PositionActive {
		t.Fatalf("status = %s", opened.Status)
	}

	if _, err := s.Open(samplePosition("acct", "mkt-a")); !errors.Is(err, ErrPositionExists) {
		t.Fatalf("duplicate active position accepted: %v", err)
	}

	if err := s.Close("acct", "mkt-a"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := s.Active("acct", "mkt-a"); ok {
		t.Fatal("closed position still reported active")
	}
	if err := s.Close("acct", "mkt-a"); !errors.Is(err, ErrPositionNotFound) {
		t.Fatalf("second close: %v", err)
	}

	// Reopening after close is legal; the record history keeps both.
	if _, err := s.Open(samplePosition("acct", "mkt-a")); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := len(s.List("acct")); got != 2 {
		t.Fatalf("history length = %d", got)
	}
}

func TestPositionsSurviveReload(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	path := filepath.Join(dir, "positions.enc")
	s, err := NewPositionStore(path, "storage-secret")
	if err != nil {
		t.Fatalf("NewPositionStore: %v", err)
	}
	if _, err := s.Open(samplePosition("acct", "mkt-a")); err != nil {
		t.Fatalf("Open: %v", err)
	}
	fsperm.AssertPrivateDirPerm(t, dir)
	fsperm.AssertPrivateFilePerm(t, path)

	reloaded, err := NewPositionStore(path, "storage-secret")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	p, ok := reloaded.Active("acct", "mkt-a")
	if !ok {
		t.Fatal("active position lost across reload")
	}
	if p.CollateralAmount != "100000000" {
		t.Fatalf("reloaded collateral = %s", p.CollateralAmount)
	}

	if _, err := NewPositionStore(path, "wrong-secret"); err == nil {
		t.Fatal("snapshot decrypted with the wrong secret")
	}
}
