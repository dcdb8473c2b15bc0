package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const maxOrder = 64

// MintKeyset holds the private keys of a keyset. Only used to
// sign outputs in a fake mint for tests.
type MintKeyset struct {
	Id          string
	Unit        string
	Active      bool
	InputFeePpk uint
	Keys        map[uint64]KeyPair
}

type KeyPair struct {
	PrivateKey *secp256k1.PrivateKey
	PublicKey  *secp256k1.PublicKey
}

// GenerateKeyset derives one key for each power of two up to maxOrder.
func GenerateKeyset(seed, derivationPath string, inputFeePpk uint) *MintKeyset {
	keys := make(map[uint64]KeyPair, maxOrder)
	publicKeys := make(map[uint64]*secp256k1.PublicKey, maxOrder)

	for i := 0; i < maxOrder; i++ {
		amount := uint64(1) << i
		hash := sha256.Sum256([]byte(seed + derivationPath + strconv.FormatUint(amount, 10)))
		privateKey := secp256k1.PrivKeyFromBytes(hash[:])
		keys[amount] = KeyPair{PrivateKey: privateKey, PublicKey: privateKey.PubKey()}
		publicKeys[amount] = privateKey.PubKey()
	}

	return &MintKeyset{
		Id:          DeriveKeysetId(publicKeys),
		Unit:        "sat",
		Active:      true,
		InputFeePpk: inputFeePpk,
		Keys:        keys,
	}
}

func (ks *MintKeyset) PublicKeys() map[uint64]string {
	pubkeys := make(map[uint64]string, len(ks.Keys))
	for amount, key := range ks.Keys {
		pubkeys[amount] = hex.EncodeToString(key.PublicKey.SerializeCompressed())
	}
	return pubkeys
}

// DeriveKeysetId returns "00" followed by the first 14 hex characters of
// the sha256 of the concatenated public keys sorted by amount.
func DeriveKeysetId(keyset map[uint64]*secp256k1.PublicKey) string {
	amounts := make([]uint64, 0, len(keyset))
	for amount := range keyset {
		amounts = append(amounts, amount)
	}
	slices.Sort(amounts)

	pubkeys := make([]byte, 0, len(amounts)*33)
	for _, amount := range amounts {
		pubkeys = append(pubkeys, keyset[amount].SerializeCompressed()...)
	}
	hash := sha256.Sum256(pubkeys)

	return "00" + hex.EncodeToString(hash[:])[:14]
}

type WalletKeyset struct {
	Id          string
	MintURL     string
	Unit        string
	Active      bool
	PublicKeys  map[uint64]*secp256k1.PublicKey
	InputFeePpk uint
	Counter     uint32
}

type walletKeysetJson struct {
	Id          string            `json:"id"`
	MintURL     string            `json:"mint_url"`
	Unit        string            `json:"unit"`
	Active      bool              `json:"active"`
	PublicKeys  map[uint64]string `json:"public_keys"`
	InputFeePpk uint              `json:"input_fee_ppk"`
	Counter     uint32            `json:"counter"`
}

func (wk WalletKeyset) MarshalJSON() ([]byte, error) {
	pubkeys := make(map[uint64]string, len(wk.PublicKeys))
	for amount, pubkey := range wk.PublicKeys {
		pubkeys[amount] = hex.EncodeToString(pubkey.SerializeCompressed())
	}

	return json.Marshal(walletKeysetJson{
		Id:          wk.Id,
		MintURL:     wk.MintURL,
		Unit:        wk.Unit,
		Active:      wk.Active,
		PublicKeys:  pubkeys,
		InputFeePpk: wk.InputFeePpk,
		Counter:     wk.Counter,
	})
}

func (wk *WalletKeyset) UnmarshalJSON(data []byte) error {
	var temp walletKeysetJson
	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}

	pubkeys, err := MapPubKeys(temp.PublicKeys)
	if err != nil {
		return err
	}

	wk.Id = temp.Id
	wk.MintURL = temp.MintURL
	wk.Unit = temp.Unit
	wk.Active = temp.Active
	wk.PublicKeys = pubkeys
	wk.InputFeePpk = temp.InputFeePpk
	wk.Counter = temp.Counter

	return nil
}

// Amounts returns the amounts the keyset can sign in ascending order.
func (wk WalletKeyset) Amounts() []uint64 {
	amounts := make([]uint64, 0, len(wk.PublicKeys))
	for amount := range wk.PublicKeys {
		amounts = append(amounts, amount)
	}
	slices.Sort(amounts)
	return amounts
}

// MapPubKeys parses the hex encoded keys returned by a mint.
func MapPubKeys(keys map[uint64]string) (map[uint64]*secp256k1.PublicKey, error) {
	publicKeys := make(map[uint64]*secp256k1.PublicKey, len(keys))
	for amount, key := range keys {
		pkbytes, err := hex.DecodeString(key)
		if err != nil {
			return nil, err
		}
		pubkey, err := secp256k1.ParsePubKey(pkbytes)
		if err != nil {
			return nil, fmt.Errorf("invalid public key for amount %v: %v", amount, err)
		}
		publicKeys[amount] = pubkey
	}
	return publicKeys, nil
}

// KeysetsMap maps a mint url to its keysets.
type KeysetsMap map[string][]WalletKeyset
