package sessionkey

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"cometshift/go-backend/internal/chain"
	"cometshift/go-backend/internal/fault"
	"cometshift/go-backend/internal/paymaster"
	"cometshift/go-backend/internal/userop"
)

// Plugin surface. installPlugin runs on the account itself; the dependency
// entry points the install at the account's existing owner-validation
// module so installing the session plugin cannot bypass ownership checks.
const pluginABIJSON = `[
	{"type":"function","name":"installPlugin","stateMutability":"nonpayable",
	 "inputs":[
		{"name":"plugin","type":"address"},
		{"name":"manifestHash","type":"bytes32"},
		{"name":"installData","type":"bytes"},
		{"name":"dependencies","type":"bytes21[]"}],
	 "outputs":[]},
	{"type":"function","name":"isSessionKeyOf","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"},{"name":"key","type":"address"}],
	 "outputs":[{"name":"granted","type":"bool"}]}
]`

var pluginABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(pluginABIJSON))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// ownerValidationFunctionID is the function slot of the owner validator the
// install depends on.
const ownerValidationFunctionID = 0

// PluginConfig pins the session-key plugin deployment the grants target.
type PluginConfig struct {
	Plugin         common.Address
	ManifestHash   common.Hash
	OwnerValidator common.Address
}

type OperationBuilder interface {
	Build(ctx context.Context, sender, owner common.Address, callData []byte, deployed bool, shape userop.CallShape) (*userop.Operation, error)
}

type NonceReader interface {
	NonceOf(ctx context.Context, sender common.Address) (*big.Int, error)
}

type OpHasher interface {
	OpHash(op *userop.Operation) common.Hash
}

// Manager drives the two-phase grant flow: build an unsigned plugin-install
// operation, persist it, hand the hash to the owner for signing, then track
// it through SIGNED, SUBMITTED and CONFIRMED.
type Manager struct {
	keys    *KeyStore
	regs    *RegistrationStore
	builder OperationBuilder
	sponsor *paymaster.Adapter
	nonces  NonceReader
	hasher  OpHasher
	client  chain.Client
	plugin  PluginConfig
	now     func() time.Time
}

func NewManager(
	keys *KeyStore,
	regs *RegistrationStore,
	builder OperationBuilder,
	sponsor *paymaster.Adapter,
	nonces NonceReader,
	hasher OpHasher,
	client chain.Client,
	plugin PluginConfig,
) *Manager {
	return &Manager{
		keys:    keys,
		regs:    regs,
		builder: builder,
		sponsor: sponsor,
		nonces:  nonces,
		hasher:  hasher,
		client:  client,
		plugin:  plugin,
		now:     time.Now,
	}
}

// WithClock overrides the time source; tests pin the validity window.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) Keys() *KeyStore {
	return m.keys
}

func (m *Manager) Registrations() *RegistrationStore {
	return m.regs
}

// Generate creates and stores a fresh session credential for the account.
func (m *Manager) Generate(account common.Address, validUntil time.Time, targets []common.Address) (StoredKey, error) {
	return m.keys.Generate(account, validUntil, targets)
}

// BuildGrantOperation returns the pending registration whose OpHash the
// account owner must sign. A stored registration is reused verbatim as long
// as its nonce and deployment assumption still hold, so a crash between
// build and signature never changes the hash under the signer; when the
// account state moved on, the registration is rebuilt.
func (m *Manager) BuildGrantOperation(ctx context.Context, account, owner common.Address, expiry time.Time, targets []common.Address) (Registration, error) {
	stored, hasKey := m.keys.Get(account)
	if !hasKey {
		return Registration{}, fault.Validation("no session key generated for account %s", account.Hex())
	}
	sessionKey := common.HexToAddress(stored.Address)

	if reg, ok := m.regs.Get(account); ok && rank(reg.State) < rank(RegSubmitted) {
		fresh, err := m.registrationStillValid(ctx, reg)
		if err != nil {
			return Registration{}, err
		}
		if fresh {
			return reg, nil
		}
		// Nonce advanced or the account got deployed since the build; the
		// stored operation can no longer validate, so drop and rebuild.
		if err := m.regs.Invalidate(account); err != nil {
			return Registration{}, err
		}
	}

	perm, err := NewPermission(sessionKey, targets, m.now(), expiry)
	if err != nil {
		return Registration{}, err
	}
	installData, err := perm.Encode()
	if err != nil {
		return Registration{}, fault.Validation("permission encode failed: %v", err)
	}

	dependency := packDependency(m.plugin.OwnerValidator, ownerValidationFunctionID)
	callData, err := pluginABI.Pack("installPlugin",
		m.plugin.Plugin, [32]byte(m.plugin.ManifestHash), installData, [][21]byte{dependency})
	if err != nil {
		return Registration{}, fault.Validation("install call encode failed: %v", err)
	}

	deployed, err := m.accountDeployed(ctx, account)
	if err != nil {
		return Registration{}, err
	}
	op, err := m.builder.Build(ctx, account, owner, callData, deployed, userop.ShapeInstallPlugin)
	if err != nil {
		return Registration{}, err
	}
	m.sponsor.Attach(op)

	reg := Registration{
		ID:         newRegistrationID(),
		Account:    account.Hex(),
		Owner:      owner.Hex(),
		SessionKey: sessionKey.Hex(),
		Operation:  op,
		OpHash:     m.hasher.OpHash(op).Hex(),
		State:      RegUnsigned,
		CreatedAt:  m.now().UTC(),
	}
	if err := m.regs.Put(reg); err != nil {
		return Registration{}, err
	}
	return reg, nil
}

// AttachGrantSignature finalizes the stored operation with the owner's
// signature over its hash and moves the registration to SIGNED.
func (m *Manager) AttachGrantSignature(account common.Address, signature []byte) (Registration, error) {
	reg, ok := m.regs.Get(account)
	if !ok {
		return Registration{}, fault.Validation("no pending grant for account %s", account.Hex())
	}
	if reg.State != RegUnsigned {
		return Registration{}, fault.Validation("grant for %s is already %s", account.Hex(), reg.State)
	}
	if err := userop.AttachSignature(reg.Operation, signature); err != nil {
		return Registration{}, fault.Validation("%v", err)
	}
	if err := m.regs.Put(reg); err != nil {
		return Registration{}, err
	}
	return m.regs.Transition(account, RegSigned)
}

// VerifyGranted reads the on-chain registry. The locally cached granted
// flag is never sufficient for an authorization decision.
func (m *Manager) VerifyGranted(ctx context.Context, account, key common.Address) (bool, error) {
	data, err := pluginABI.Pack("isSessionKeyOf", account, key)
	if err != nil {
		return false, err
	}
	ret, err := m.client.CallContract(ctx, ethereum.CallMsg{To: &m.plugin.Plugin, Data: data}, nil)
	if err != nil {
		return false, fault.BlockchainRetryable(err, "session registry read failed")
	}
	out, err := pluginABI.Unpack("isSessionKeyOf", ret)
	if err != nil {
		return false, fault.Blockchain(err, "session registry decode failed")
	}
	return out[0].(bool), nil
}

// Status derives the lifecycle state for an account's key at `now`.
func (m *Manager) Status(account common.Address, now time.Time) string {
	stored, ok := m.keys.Get(account)
	if !ok {
		return "uninitialized"
	}
	if now.After(stored.ValidUntil) {
		return "expired"
	}
	if stored.Granted {
		return "granted"
	}
	return "pending"
}

func (m *Manager) registrationStillValid(ctx context.Context, reg Registration) (bool, error) {
	account := common.HexToAddress(reg.Account)
	nonce, err := m.nonces.NonceOf(ctx, account)
	if err != nil {
		return false, err
	}
	if reg.Operation == nil || reg.Operation.Nonce == nil || reg.Operation.Nonce.Cmp(nonce) != 0 {
		return false, nil
	}
	if len(reg.Operation.InitCode) > 0 {
		deployed, err := m.accountDeployed(ctx, account)
		if err != nil {
			return false, err
		}
		if deployed {
			return false, nil
		}
	}
	return true, nil
}

func (m *Manager) accountDeployed(ctx context.Context, account common.Address) (bool, error) {
	code, err := m.client.CodeAt(ctx, account, nil)
	if err != nil {
		return false, fault.BlockchainRetryable(err, "code probe for %s failed", account.Hex())
	}
	return len(code) > 0, nil
}

func packDependency(validator common.Address, functionID uint8) [21]byte {
	var dep [21]byte
	copy(dep[:20], validator.Bytes())
	dep[20] = functionID
	return dep
}

// IsSessionKeyOfSelector is exported for mock wiring in tests.
func IsSessionKeyOfSelector() []byte {
	return pluginABI.Methods["isSessionKeyOf"].ID
}

func InstallPluginSelector() []byte {
	return pluginABI.Methods["installPlugin"].ID
}
