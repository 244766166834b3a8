// Package accounts maps owners to their smart-account handles. Address
// derivation is pure CREATE2 arithmetic, so handles are cached with a TTL
// and only the deployment flag is ever refreshed from the chain.
package accounts

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"

	"cometshift/go-backend/internal/chain"
	"cometshift/go-backend/internal/fault"
	"cometshift/go-backend/internal/userop"
)

const defaultTTL = 5 * time.Minute

// Handle is one owner's account: its deterministic address and whether the
// contract code exists on-chain yet.
type Handle struct {
	Owner    common.Address
	Address  common.Address
	Deployed bool
}

// Repository resolves account handles. Injected rather than global so
// multiple engine instances can share a durable implementation later.
type Repository interface {
	Resolve(ctx context.Context, owner common.Address) (Handle, error)
	Refresh(ctx context.Context, owner common.Address) (Handle, error)
}

type CachedRepository struct {
	client       chain.Client
	factory      common.Address
	initCodeHash common.Hash
	cache        *ttlcache.Cache[common.Address, Handle]
	group        singleflight.Group
}

func NewCachedRepository(client chain.Client, factory common.Address, accountInitCodeHash common.Hash, ttl time.Duration) *CachedRepository {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	cache := ttlcache.New[common.Address, Handle](
		ttlcache.WithTTL[common.Address, Handle](ttl),
		ttlcache.WithDisableTouchOnHit[common.Address, Handle](),
	)
	go cache.Start()
	return &CachedRepository{
		client:       client,
		factory:      factory,
		initCodeHash: accountInitCodeHash,
		cache:        cache,
	}
}

func (r *CachedRepository) Stop() {
	r.cache.Stop()
}

// Resolve returns the owner's handle, deriving and probing it at most once
// per TTL window. Concurrent first-time resolutions for the same owner
// collapse into a single chain probe.
func (r *CachedRepository) Resolve(ctx context.Context, owner common.Address) (Handle, error) {
	if item := r.cache.Get(owner); item != nil {
		return item.Value(), nil
	}
	v, err, _ := r.group.Do(owner.Hex(), func() (any, error) {
		if item := r.cache.Get(owner); item != nil {
			return item.Value(), nil
		}
		return r.probe(ctx, owner)
	})
	if err != nil {
		return Handle{}, err
	}
	return v.(Handle), nil
}

// Refresh bypasses the cache; used right after a deploying operation so the
// flag does not lag a whole TTL behind reality.
func (r *CachedRepository) Refresh(ctx context.Context, owner common.Address) (Handle, error) {
	v, err, _ := r.group.Do("refresh:"+owner.Hex(), func() (any, error) {
		return r.probe(ctx, owner)
	})
	if err != nil {
		return Handle{}, err
	}
	return v.(Handle), nil
}

func (r *CachedRepository) probe(ctx context.Context, owner common.Address) (Handle, error) {
	addr := userop.ComputeAddress(owner, r.factory, r.initCodeHash)
	code, err := r.client.CodeAt(ctx, addr, nil)
	if err != nil {
		return Handle{}, fault.BlockchainRetryable(err, "code probe for account %s failed", addr.Hex())
	}
	handle := Handle{Owner: owner, Address: addr, Deployed: len(code) > 0}
	r.cache.Set(owner, handle, ttlcache.DefaultTTL)
	return handle, nil
}
