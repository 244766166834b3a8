// Package engineserver wires the full engine: chain client, contract
// bindings, encrypted stores, the service facade and the RPC transport.
package engineserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"cometshift/go-backend/internal/accounts"
	"cometshift/go-backend/internal/adapters/rpc"
	"cometshift/go-backend/internal/chain"
	"cometshift/go-backend/internal/config"
	"cometshift/go-backend/internal/entrypoint"
	"cometshift/go-backend/internal/migrator"
	"cometshift/go-backend/internal/oracle"
	"cometshift/go-backend/internal/paymaster"
	"cometshift/go-backend/internal/platform/privacylog"
	"cometshift/go-backend/internal/service"
	"cometshift/go-backend/internal/sessionkey"
	"cometshift/go-backend/internal/signer"
	"cometshift/go-backend/internal/storage"
	"cometshift/go-backend/internal/submitter"
	"cometshift/go-backend/internal/swappool"
	"cometshift/go-backend/internal/userop"

	marketpkg "cometshift/go-backend/internal/market"
)

const (
	accountCacheTTL = 5 * time.Minute
	shutdownGrace   = 10 * time.Second
)

// Engine is the assembled daemon: an HTTP server over the RPC adapter plus
// the background pieces that need an orderly stop.
type Engine struct {
	listenAddr string
	handler    http.Handler
	repo       *accounts.CachedRepository
	logger     *slog.Logger
}

// Build assembles the engine from a validated configuration. Secrets come
// from the environment variables the config names, never from the file.
func Build(ctx context.Context, cfg config.Config) (*Engine, error) {
	logger := slog.New(privacylog.WrapHandler(slog.NewJSONHandler(os.Stderr, nil)))

	storeSecret := config.Secret(cfg.Store.SecretEnv)
	if storeSecret == "" {
		return nil, fmt.Errorf("store secret env %s is empty", cfg.Store.SecretEnv)
	}
	mnemonic := config.Secret(cfg.API.MnemonicEnv)
	if mnemonic == "" {
		return nil, fmt.Errorf("relayer mnemonic env %s is empty", cfg.API.MnemonicEnv)
	}
	relayer, err := signer.FromMnemonic(mnemonic)
	if err != nil {
		return nil, fmt.Errorf("relayer key: %w", err)
	}

	client, err := chain.Dial(ctx, cfg.Chain.RPCEndpoint, cfg.Chain.RPCRateRPS, cfg.Chain.RPCBurst)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Chain.RPCEndpoint, err)
	}

	ep := entrypoint.New(common.HexToAddress(cfg.Contracts.EntryPoint), big.NewInt(cfg.Chain.ChainID), client)
	sponsor := paymaster.New(common.HexToAddress(cfg.Contracts.Paymaster), ep)
	factory := common.HexToAddress(cfg.Contracts.AccountFactory)
	builder := userop.NewBuilder(ep, client, factory)

	if err := os.MkdirAll(cfg.Store.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("store dir %s: %w", cfg.Store.Dir, err)
	}
	keys, err := sessionkey.NewKeyStore(filepath.Join(cfg.Store.Dir, "session_keys.json"), storeSecret)
	if err != nil {
		return nil, fmt.Errorf("session key store: %w", err)
	}
	regs, err := sessionkey.NewRegistrationStore(filepath.Join(cfg.Store.Dir, "registrations.json"), storeSecret)
	if err != nil {
		return nil, fmt.Errorf("registration store: %w", err)
	}
	positions, err := storage.NewPositionStore(filepath.Join(cfg.Store.Dir, "positions.json"), storeSecret)
	if err != nil {
		return nil, fmt.Errorf("position store: %w", err)
	}

	grants := sessionkey.NewManager(keys, regs, builder, sponsor, ep, ep, client, sessionkey.PluginConfig{
		Plugin:         common.HexToAddress(cfg.Contracts.SessionKeyPlugin),
		ManifestHash:   common.HexToHash(cfg.Contracts.PluginManifestHash),
		OwnerValidator: common.HexToAddress(cfg.Contracts.OwnerValidator),
	})

	sub := submitter.New(client, ep, sponsor, relayer, common.HexToAddress(cfg.Contracts.Beneficiary), logger)

	swapBinding := swappool.New(swappool.Pool{
		Addr:      common.HexToAddress(cfg.SwapPool.Address),
		Token0:    common.HexToAddress(cfg.SwapPool.Token0),
		Token1:    common.HexToAddress(cfg.SwapPool.Token1),
		Decimals0: cfg.SwapPool.Decimals0,
		Decimals1: cfg.SwapPool.Decimals1,
	}, client)

	markets := make(map[common.Address]migrator.MarketDef, len(cfg.Markets))
	marketRefs := make([]oracle.MarketRef, 0, len(cfg.Markets))
	targets := []common.Address{common.HexToAddress(cfg.Contracts.Switcher)}
	for _, m := range cfg.Markets {
		addr := common.HexToAddress(m.Address)
		binding := marketpkg.New(addr, client)
		markets[addr] = migrator.MarketDef{
			Binding:    binding,
			Collateral: migrator.Asset{Addr: common.HexToAddress(m.CollateralAsset), Decimals: m.CollateralDecimals},
			Base:       migrator.Asset{Addr: common.HexToAddress(m.BaseAsset), Decimals: m.BaseDecimals},
		}
		marketRefs = append(marketRefs, oracle.MarketRef{Binding: binding, Collateral: common.HexToAddress(m.CollateralAsset)})
		targets = append(targets, addr)
	}

	switcher := migrator.NewSwitcher(common.HexToAddress(cfg.Contracts.Switcher), client)
	orch, err := migrator.NewOrchestrator(
		switcher, swapBinding, common.HexToAddress(cfg.FlashPool),
		markets, keys, grants, builder, sponsor, sub, ep, positions,
		cfg.Migration.BufferBps, cfg.Migration.SlippageBps, logger)
	if err != nil {
		return nil, err
	}

	tokens := make([]oracle.TokenRef, 0, len(cfg.Tokens))
	for _, tok := range cfg.Tokens {
		tokens = append(tokens, oracle.TokenRef{Address: common.HexToAddress(tok.Address), Symbol: tok.Symbol})
	}
	watch := oracle.New(client, tokens, marketRefs, logger)

	initCodeHash := common.HexToHash(cfg.Contracts.AccountInitCodeHash)
	repo := accounts.NewCachedRepository(client, factory, initCodeHash, accountCacheTTL)

	svc := service.New(service.Deps{
		Client:    client,
		Repo:      repo,
		Grants:    grants,
		Keys:      keys,
		Builder:   builder,
		Sponsor:   sponsor,
		Submitter: sub,
		Orch:      orch,
		Oracle:    watch,
		Hasher:    ep,
		Targets:   targets,
		Logger:    logger,
	})

	server := rpc.NewServer(svc, rpc.Options{
		Token:          config.Secret(cfg.API.TokenEnv),
		RateLimitRPS:   cfg.API.RateLimitRPS,
		RateLimitBurst: cfg.API.RateLimitBurst,
		RequestTimeout: cfg.API.RequestTimeout,
		Logger:         logger,
	})

	return &Engine{
		listenAddr: cfg.API.ListenAddress,
		handler:    server.Handler(),
		repo:       repo,
		logger:     logger,
	}, nil
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (e *Engine) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              e.listenAddr,
		Handler:           e.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		e.logger.Info("rpc listening", slog.String("addr", e.listenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	err := httpServer.Shutdown(shutdownCtx)
	e.repo.Stop()
	e.logger.Info("engine stopped")
	return err
}
