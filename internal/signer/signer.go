// Package signer holds the secp256k1 signing identities the daemon uses:
// the relayer key that pays for entry point transactions and helpers for
// signing operation hashes with session keys.
package signer

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"
)

const hkdfInfoRelayer = "cometshift/relayer/secp256k1/v1"

var ErrInvalidMnemonic = errors.New("signer: invalid mnemonic")

type Signer struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func New(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

// FromMnemonic derives the relayer key from a BIP-39 mnemonic. The seed is
// expanded with HKDF under a fixed domain label; the same mnemonic always
// yields the same relayer address.
func FromMnemonic(mnemonic string) (*Signer, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	seed := bip39.NewSeed(mnemonic, "")
	for counter := 0; counter < 16; counter++ {
		info := fmt.Sprintf("%s/%d", hkdfInfoRelayer, counter)
		material := make([]byte, 32)
		if _, err := io.ReadFull(hkdf.New(sha256.New, seed, nil, []byte(info)), material); err != nil {
			return nil, err
		}
		key, err := crypto.ToECDSA(material)
		if err == nil {
			return New(key), nil
		}
		// Out-of-range scalar; derive again under the next label.
	}
	return nil, errors.New("signer: key derivation exhausted retries")
}

func FromHex(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, err
	}
	return New(key), nil
}

func (s *Signer) Address() common.Address {
	return s.addr
}

// SignHash produces a 65-byte [R || S || V] signature with V in {27, 28},
// the form on-chain validators recover with ecrecover.
func (s *Signer) SignHash(hash common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(hash.Bytes(), s.key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

func (s *Signer) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// RecoverHash returns the address that signed hash with SignHash.
func RecoverHash(hash common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, errors.New("signer: signature must be 65 bytes")
	}
	adjusted := append([]byte(nil), sig...)
	if adjusted[64] >= 27 {
		adjusted[64] -= 27
	}
	pub, err := crypto.SigToPub(hash.Bytes(), adjusted)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
