// Package nut13 implements deterministic secret derivation as defined in [NUT-13]
//
// [NUT-13]: https://github.com/cashubtc/nuts/blob/main/13.md
package nut13

import (
	"encoding/binary"
	"encoding/hex"
	"errors"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const purpose = 129372

var ErrInvalidKeysetId = errors.New("invalid keyset id")

func MasterKeyFromSeed(seed []byte) (*hdkeychain.ExtendedKey, error) {
	return hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
}

// KeysetIdToInt maps a keyset id to the integer used in its derivation path.
func KeysetIdToInt(keysetId string) (uint32, error) {
	keysetBytes, err := hex.DecodeString(keysetId)
	if err != nil || len(keysetBytes) != 8 {
		return 0, ErrInvalidKeysetId
	}
	return uint32(binary.BigEndian.Uint64(keysetBytes) % (1<<31 - 1)), nil
}

// DeriveKeysetPath derives m/129372'/0'/keyset_k_int'
func DeriveKeysetPath(master *hdkeychain.ExtendedKey, keysetId string) (*hdkeychain.ExtendedKey, error) {
	keysetInt, err := KeysetIdToInt(keysetId)
	if err != nil {
		return nil, err
	}

	path := []uint32{
		hdkeychain.HardenedKeyStart + purpose,
		hdkeychain.HardenedKeyStart + 0,
		hdkeychain.HardenedKeyStart + keysetInt,
	}

	key := master
	for _, index := range path {
		key, err = key.Derive(index)
		if err != nil {
			return nil, err
		}
	}
	return key, nil
}

// m/129372'/0'/keyset_k_int'/counter'/child
func deriveChild(keysetPath *hdkeychain.ExtendedKey, counter uint32, child uint32) (*secp256k1.PrivateKey, error) {
	counterPath, err := keysetPath.Derive(hdkeychain.HardenedKeyStart + counter)
	if err != nil {
		return nil, err
	}

	childPath, err := counterPath.Derive(child)
	if err != nil {
		return nil, err
	}

	key, err := childPath.ECPrivKey()
	if err != nil {
		return nil, err
	}
	return secp256k1.PrivKeyFromBytes(key.Serialize()), nil
}

func DeriveBlindingFactor(keysetPath *hdkeychain.ExtendedKey, counter uint32) (*secp256k1.PrivateKey, error) {
	return deriveChild(keysetPath, counter, 1)
}

func DeriveSecret(keysetPath *hdkeychain.ExtendedKey, counter uint32) (string, error) {
	secretKey, err := deriveChild(keysetPath, counter, 0)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(secretKey.Serialize()), nil
}
