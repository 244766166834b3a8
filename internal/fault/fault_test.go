package fault

import (
	"errors"
	"testing"
)

func TestAtStepKeepsKindAndAddsStep(t *testing.T) {
	base := BusinessRule("nothing to migrate")
	wrapped := AtStep(1, base)

	if KindOf(wrapped) != KindBusinessRule {
		t.Fatalf("expected business_rule kind, got %s", KindOf(wrapped))
	}
	if StepOf(wrapped) != 1 {
		t.Fatalf("expected step 1, got %d", StepOf(wrapped))
	}
}

func TestAtStepWrapsForeignErrorAsBlockchain(t *testing.T) {
	rpcErr := errors.New("connection refused")
	wrapped := AtStep(3, rpcErr)

	if KindOf(wrapped) != KindBlockchain {
		t.Fatalf("expected blockchain kind, got %s", KindOf(wrapped))
	}
	if !errors.Is(wrapped, rpcErr) {
		t.Fatal("underlying transport error must stay reachable via errors.Is")
	}
}

func TestRetryableFlagSurvivesStepAnnotation(t *testing.T) {
	err := BlockchainRetryable(errors.New("timeout"), "nonce fetch failed")
	if !IsRetryable(AtStep(5, err)) {
		t.Fatal("retryable flag lost through AtStep")
	}
}

func TestAtStepNil(t *testing.T) {
	if AtStep(2, nil) != nil {
		t.Fatal("AtStep(nil) must stay nil")
	}
}
