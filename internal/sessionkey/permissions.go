package sessionkey

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"cometshift/go-backend/internal/fault"
)

// ClockSkewBackdate widens the start of the validity window so a grant
// built from backend clock time validates on a chain whose block timestamp
// lags slightly behind.
const ClockSkewBackdate = 60 * time.Second

// Permission scopes a session key to an allow-list of target contract
// addresses inside a validity window. Scoping is address-level only;
// selector-level filtering is deliberately not encoded.
type Permission struct {
	Key        common.Address
	Targets    []common.Address
	ValidAfter time.Time
	ValidUntil time.Time
}

var permissionArgs = abi.Arguments{
	{Name: "key", Type: mustType("address", nil)},
	{Name: "targets", Type: mustType("address[]", nil)},
	{Name: "validAfter", Type: mustType("uint48", nil)},
	{Name: "validUntil", Type: mustType("uint48", nil)},
}

func mustType(t string, components []abi.ArgumentMarshaling) abi.Type {
	typ, err := abi.NewType(t, "", components)
	if err != nil {
		panic(err)
	}
	return typ
}

// NewPermission builds the window [now - ClockSkewBackdate, expiry].
func NewPermission(key common.Address, targets []common.Address, now, expiry time.Time) (Permission, error) {
	if len(targets) == 0 {
		return Permission{}, fault.Validation("session key permission needs at least one target")
	}
	if !expiry.After(now) {
		return Permission{}, fault.Validation("session key expiry %s is not in the future", expiry.UTC())
	}
	return Permission{
		Key:        key,
		Targets:    append([]common.Address(nil), targets...),
		ValidAfter: now.Add(-ClockSkewBackdate).Truncate(time.Second),
		ValidUntil: expiry.Truncate(time.Second),
	}, nil
}

// Encode serializes the permission the way the plugin's install data expects
// it. Timestamps travel as uint48 unix seconds.
func (p Permission) Encode() ([]byte, error) {
	return permissionArgs.Pack(
		p.Key,
		p.Targets,
		big.NewInt(p.ValidAfter.Unix()),
		big.NewInt(p.ValidUntil.Unix()),
	)
}

// DecodePermission is the exact inverse of Encode.
func DecodePermission(data []byte) (Permission, error) {
	out, err := permissionArgs.Unpack(data)
	if err != nil {
		return Permission{}, fault.Validation("permission payload decode failed: %v", err)
	}
	key := out[0].(common.Address)
	targets := out[1].([]common.Address)
	validAfter := out[2].(*big.Int)
	validUntil := out[3].(*big.Int)
	return Permission{
		Key:        key,
		Targets:    targets,
		ValidAfter: time.Unix(validAfter.Int64(), 0).UTC(),
		ValidUntil: time.Unix(validUntil.Int64(), 0).UTC(),
	}, nil
}

// Expired reports whether the window has lapsed at `now`.
func (p Permission) Expired(now time.Time) bool {
	return now.After(p.ValidUntil)
}

// Allows reports whether target is inside the allow-list.
func (p Permission) Allows(target common.Address) bool {
	for _, t := range p.Targets {
		if t == target {
			return true
		}
	}
	return false
}
