// Package service is the engine facade the API adapter calls into. It owns
// input validation at the string boundary (hex addresses, decimal-string
// amounts) and the per-account concurrency guards; the heavy lifting lives
// in the packages it composes.
package service

import (
	"context"
	"encoding/hex"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"

	"cometshift/go-backend/internal/accounts"
	"cometshift/go-backend/internal/chain"
	"cometshift/go-backend/internal/fault"
	"cometshift/go-backend/internal/oracle"
	"cometshift/go-backend/internal/paymaster"
	"cometshift/go-backend/internal/sessionkey"
	"cometshift/go-backend/internal/smartaccount"
	"cometshift/go-backend/internal/submitter"
	"cometshift/go-backend/internal/userop"
	"cometshift/go-backend/pkg/models"
)

// DefaultGrantValidity bounds a session key's life when the caller does not
// pass an explicit expiry.
const DefaultGrantValidity = 30 * 24 * time.Hour

// MarketSwitcher is the migration pipeline behind SwitchMarket; the
// orchestrator satisfies it.
type MarketSwitcher interface {
	SwitchMarket(ctx context.Context, account, source, target common.Address, collateralAmount *big.Int) (models.ExecutionResult, error)
}

type Service struct {
	client    chain.Client
	repo      accounts.Repository
	grants    *sessionkey.Manager
	keys      *sessionkey.KeyStore
	builder   *userop.Builder
	sponsor   *paymaster.Adapter
	submitter *submitter.Submitter
	orch      MarketSwitcher
	oracle    *oracle.Oracle
	hasher    interface {
		OpHash(op *userop.Operation) common.Hash
	}
	targets []common.Address

	// migrations collapses concurrent switch requests for the same account;
	// two racing migrations would both pass the precondition read and
	// double-repay.
	migrations singleflight.Group

	logger *slog.Logger
	now    func() time.Time
}

type Deps struct {
	Client    chain.Client
	Repo      accounts.Repository
	Grants    *sessionkey.Manager
	Keys      *sessionkey.KeyStore
	Builder   *userop.Builder
	Sponsor   *paymaster.Adapter
	Submitter *submitter.Submitter
	Orch      MarketSwitcher
	Oracle    *oracle.Oracle
	Hasher    interface {
		OpHash(op *userop.Operation) common.Hash
	}
	// Targets is the allow-list granted to new session keys: the markets
	// and the switcher.
	Targets []common.Address
	Logger  *slog.Logger
}

func New(d Deps) *Service {
	return &Service{
		client:    d.Client,
		repo:      d.Repo,
		grants:    d.Grants,
		keys:      d.Keys,
		builder:   d.Builder,
		sponsor:   d.Sponsor,
		submitter: d.Submitter,
		orch:      d.Orch,
		oracle:    d.Oracle,
		hasher:    d.Hasher,
		targets:   d.Targets,
		logger:    d.Logger,
		now:       time.Now,
	}
}

// ComputeAddress resolves the deterministic account address for an owner.
func (s *Service) ComputeAddress(ctx context.Context, owner string) (models.Account, error) {
	ownerAddr, err := parseAddress("owner", owner)
	if err != nil {
		return models.Account{}, err
	}
	handle, err := s.repo.Resolve(ctx, ownerAddr)
	if err != nil {
		return models.Account{}, err
	}
	return models.Account{
		Address:  handle.Address.Hex(),
		Owner:    handle.Owner.Hex(),
		Deployed: handle.Deployed,
	}, nil
}

// GrantChallenge is what the owner has to sign to install a session key.
type GrantChallenge struct {
	RegistrationID string    `json:"registration_id"`
	Account        string    `json:"account"`
	SessionKey     string    `json:"session_key"`
	OpHash         string    `json:"op_hash"`
	State          string    `json:"state"`
	ValidUntil     time.Time `json:"valid_until"`
}

// BuildGrant prepares (or re-serves) the pending session-key grant for an
// owner's account and returns the hash the owner must sign.
func (s *Service) BuildGrant(ctx context.Context, owner string, validUntil time.Time) (GrantChallenge, error) {
	ownerAddr, err := parseAddress("owner", owner)
	if err != nil {
		return GrantChallenge{}, err
	}
	handle, err := s.repo.Resolve(ctx, ownerAddr)
	if err != nil {
		return GrantChallenge{}, err
	}
	if validUntil.IsZero() {
		validUntil = s.now().Add(DefaultGrantValidity)
	}

	if _, ok := s.keys.Get(handle.Address); !ok {
		if _, err := s.grants.Generate(handle.Address, validUntil, s.targets); err != nil {
			return GrantChallenge{}, err
		}
	}
	reg, err := s.grants.BuildGrantOperation(ctx, handle.Address, handle.Owner, validUntil, s.targets)
	if err != nil {
		return GrantChallenge{}, err
	}
	return GrantChallenge{
		RegistrationID: reg.ID,
		Account:        reg.Account,
		SessionKey:     reg.SessionKey,
		OpHash:         reg.OpHash,
		State:          reg.State,
		ValidUntil:     validUntil,
	}, nil
}

// SubmitGrant attaches the owner's signature to the pending grant and
// relays it. The registration advances SIGNED -> SUBMITTED -> CONFIRMED;
// a reverted install invalidates it so the next build starts clean.
func (s *Service) SubmitGrant(ctx context.Context, account, signatureHex string) (models.ExecutionResult, error) {
	accountAddr, err := parseAddress("account", account)
	if err != nil {
		return models.ExecutionResult{}, err
	}
	signature, err := parseHexBytes("signature", signatureHex)
	if err != nil {
		return models.ExecutionResult{}, err
	}

	reg, err := s.grants.AttachGrantSignature(accountAddr, signature)
	if err != nil {
		return models.ExecutionResult{}, err
	}
	if _, err := s.grants.Registrations().Transition(accountAddr, sessionkey.RegSubmitted); err != nil {
		return models.ExecutionResult{}, err
	}

	results, err := s.submitter.Submit(ctx, []*userop.Operation{reg.Operation})
	if err != nil {
		return models.ExecutionResult{}, err
	}
	result := results[0]
	if !result.Success {
		if err := s.grants.Registrations().Invalidate(accountAddr); err != nil {
			s.logger.Warn("failed to drop reverted grant", slog.String("account", account), slog.String("error", err.Error()))
		}
		return result, fault.Blockchain(nil, "session grant reverted on-chain (op %s)", result.OpHash)
	}
	if _, err := s.grants.Registrations().Transition(accountAddr, sessionkey.RegConfirmed); err != nil {
		return result, err
	}
	if err := s.keys.MarkGranted(accountAddr); err != nil {
		return result, err
	}
	s.logger.Info("session key granted",
		slog.String("account", accountAddr.Hex()),
		slog.String("tx", result.TxHash))
	return result, nil
}

// SessionKeyInfo reports the account's session credential state. The
// granted answer comes from the on-chain registry, not local bookkeeping.
func (s *Service) SessionKeyInfo(ctx context.Context, account string) (models.SessionKeyInfo, error) {
	accountAddr, err := parseAddress("account", account)
	if err != nil {
		return models.SessionKeyInfo{}, err
	}
	stored, ok := s.keys.Get(accountAddr)
	if !ok {
		return models.SessionKeyInfo{}, sessionkey.ErrNoSessionKey
	}
	info := models.SessionKeyInfo{
		Address:    stored.Address,
		Status:     s.grants.Status(accountAddr, s.now()),
		ValidUntil: stored.ValidUntil,
		Targets:    stored.Targets,
	}
	if info.Status == "pending" {
		granted, err := s.grants.VerifyGranted(ctx, accountAddr, common.HexToAddress(stored.Address))
		if err != nil {
			return models.SessionKeyInfo{}, err
		}
		if granted {
			info.Status = "granted"
			if err := s.keys.MarkGranted(accountAddr); err != nil {
				return models.SessionKeyInfo{}, err
			}
		}
	}
	return info, nil
}

// ExecuteWithSessionKey runs a batch of calls from the account, signed by
// its session key and sponsored. Targets outside the key's allow-list are
// rejected before anything is built.
func (s *Service) ExecuteWithSessionKey(ctx context.Context, account string, calls []models.Call) (models.ExecutionResult, error) {
	accountAddr, err := parseAddress("account", account)
	if err != nil {
		return models.ExecutionResult{}, err
	}
	if len(calls) == 0 {
		return models.ExecutionResult{}, fault.Validation("at least one call is required")
	}

	stored, ok := s.keys.Get(accountAddr)
	if !ok {
		return models.ExecutionResult{}, fault.Authorization("no session key for account %s", account)
	}
	allowed := make(map[common.Address]bool, len(stored.Targets))
	for _, t := range stored.Targets {
		allowed[common.HexToAddress(t)] = true
	}

	parsed := make([]smartaccount.Call, 0, len(calls))
	for i, c := range calls {
		to, err := parseAddress("calls.to", c.To)
		if err != nil {
			return models.ExecutionResult{}, err
		}
		if !allowed[to] {
			return models.ExecutionResult{}, fault.Authorization("target %s is outside the session key scope", c.To)
		}
		data, err := parseHexBytes("calls.data", c.Data)
		if err != nil {
			return models.ExecutionResult{}, err
		}
		value := new(big.Int)
		if c.Value != "" {
			v, ok := models.ParseAmount(c.Value)
			if !ok {
				return models.ExecutionResult{}, fault.Validation("calls[%d].value %q is not a decimal amount", i, c.Value)
			}
			value = v
		}
		parsed = append(parsed, smartaccount.Call{To: to, Value: value, Data: data})
	}

	var callData []byte
	shape := userop.ShapeExecuteBatch
	if len(parsed) == 1 {
		callData, err = smartaccount.PackExecute(parsed[0])
		shape = userop.ShapeExecute
	} else {
		callData, err = smartaccount.PackExecuteBatch(parsed)
	}
	if err != nil {
		return models.ExecutionResult{}, fault.Validation("call encode failed: %v", err)
	}

	signer, err := s.keys.Signer(accountAddr, s.now())
	if err != nil {
		return models.ExecutionResult{}, fault.Authorization("session key unusable: %v", err)
	}
	// Registry read before any gas is spent: an ungranted key would only
	// buy the sponsor a guaranteed revert.
	granted, err := s.grants.VerifyGranted(ctx, accountAddr, signer.Address())
	if err != nil {
		return models.ExecutionResult{}, err
	}
	if !granted {
		return models.ExecutionResult{}, fault.Authorization("session key %s is not granted on account %s", signer.Address().Hex(), account)
	}

	code, err := s.client.CodeAt(ctx, accountAddr, nil)
	if err != nil {
		return models.ExecutionResult{}, fault.BlockchainRetryable(err, "code probe for %s failed", account)
	}
	op, err := s.builder.Build(ctx, accountAddr, accountAddr, callData, len(code) > 0, shape)
	if err != nil {
		return models.ExecutionResult{}, err
	}
	s.sponsor.Attach(op)
	sig, err := signer.SignHash(s.hasher.OpHash(op))
	if err != nil {
		return models.ExecutionResult{}, fault.Authorization("session signing failed: %v", err)
	}
	if err := userop.AttachSignature(op, sig); err != nil {
		return models.ExecutionResult{}, fault.Validation("%v", err)
	}

	results, err := s.submitter.Submit(ctx, []*userop.Operation{op})
	if err != nil {
		return models.ExecutionResult{}, err
	}
	return results[0], nil
}

// SwitchMarket migrates the account's position between markets. Concurrent
// requests for the same account share one execution.
func (s *Service) SwitchMarket(ctx context.Context, account, source, target, collateralAmount string) (models.ExecutionResult, error) {
	accountAddr, err := parseAddress("account", account)
	if err != nil {
		return models.ExecutionResult{}, err
	}
	sourceAddr, err := parseAddress("source", source)
	if err != nil {
		return models.ExecutionResult{}, err
	}
	targetAddr, err := parseAddress("target", target)
	if err != nil {
		return models.ExecutionResult{}, err
	}
	var amount *big.Int
	if collateralAmount != "" {
		v, ok := models.ParseAmount(collateralAmount)
		if !ok {
			return models.ExecutionResult{}, fault.Validation("collateralAmount %q is not a decimal amount", collateralAmount)
		}
		amount = v
	}

	v, err, _ := s.migrations.Do(accountAddr.Hex(), func() (any, error) {
		return s.orch.SwitchMarket(ctx, accountAddr, sourceAddr, targetAddr, amount)
	})
	// A failure after inclusion (bookkeeping, step 7) still carries the
	// mined tx and op hashes; never discard them alongside the error.
	result, _ := v.(models.ExecutionResult)
	return result, err
}

func (s *Service) GetBalances(ctx context.Context, account string) ([]models.TokenBalance, error) {
	accountAddr, err := parseAddress("account", account)
	if err != nil {
		return nil, err
	}
	return s.oracle.Balances(ctx, accountAddr), nil
}

func (s *Service) GetPositions(ctx context.Context, account string) ([]models.MarketPosition, error) {
	accountAddr, err := parseAddress("account", account)
	if err != nil {
		return nil, err
	}
	return s.oracle.Positions(ctx, accountAddr), nil
}

func parseAddress(field, raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fault.Validation("%s: %q is not a valid address", field, raw)
	}
	addr := common.HexToAddress(raw)
	if addr == (common.Address{}) {
		return common.Address{}, fault.Validation("%s: zero address", field)
	}
	return addr, nil
}

func parseHexBytes(field, raw string) ([]byte, error) {
	trimmed := strings.TrimPrefix(raw, "0x")
	if trimmed == "" {
		return nil, fault.Validation("%s: empty hex payload", field)
	}
	out, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fault.Validation("%s: invalid hex: %v", field, err)
	}
	return out, nil
}
