package wallet

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/nutsack/cashu"
	"github.com/elnosh/nutsack/crypto"
	"github.com/elnosh/nutsack/wallet/client"
)

var ErrNoActiveKeyset = errors.New("could not find an active keyset for the unit")

// GetMintActiveKeyset gets the active keyset with the specified unit
func GetMintActiveKeyset(ctx context.Context, mintURL string, unit cashu.Unit) (*crypto.WalletKeyset, error) {
	keysets, err := client.GetAllKeysets(ctx, mintURL)
	if err != nil {
		return nil, fmt.Errorf("error getting keysets from mint: %w", err)
	}

	keysetsResponse, err := client.GetActiveKeysets(ctx, mintURL)
	if err != nil {
		return nil, fmt.Errorf("error getting active keysets from mint: %w", err)
	}

	for _, keyset := range keysetsResponse.Keysets {
		if keyset.Unit != unit.String() {
			continue
		}
		// ignore keysets with non-hex ids
		if _, err := hex.DecodeString(keyset.Id); err != nil {
			continue
		}

		active := false
		var inputFeePpk uint
		for _, response := range keysets.Keysets {
			if response.Id == keyset.Id {
				active = response.Active
				inputFeePpk = response.InputFeePpk
				break
			}
		}
		if !active {
			continue
		}

		keys, err := crypto.MapPubKeys(keyset.Keys)
		if err != nil {
			return nil, err
		}
		id := crypto.DeriveKeysetId(keys)
		if id != keyset.Id {
			return nil, fmt.Errorf("got invalid keyset. Derived id: '%v' but got '%v' from mint", id, keyset.Id)
		}

		return &crypto.WalletKeyset{
			Id:          id,
			MintURL:     mintURL,
			Unit:        keyset.Unit,
			Active:      true,
			PublicKeys:  keys,
			InputFeePpk: inputFeePpk,
		}, nil
	}

	return nil, ErrNoActiveKeyset
}

func GetMintInactiveKeysets(ctx context.Context, mintURL string, unit cashu.Unit) (map[string]crypto.WalletKeyset, error) {
	keysetsResponse, err := client.GetAllKeysets(ctx, mintURL)
	if err != nil {
		return nil, fmt.Errorf("error getting keysets from mint: %w", err)
	}

	inactiveKeysets := make(map[string]crypto.WalletKeyset)
	for _, keysetRes := range keysetsResponse.Keysets {
		_, err := hex.DecodeString(keysetRes.Id)
		if !keysetRes.Active && keysetRes.Unit == unit.String() && err == nil {
			keyset := crypto.WalletKeyset{
				Id:          keysetRes.Id,
				MintURL:     mintURL,
				Unit:        keysetRes.Unit,
				Active:      keysetRes.Active,
				InputFeePpk: keysetRes.InputFeePpk,
			}
			inactiveKeysets[keyset.Id] = keyset
		}
	}
	return inactiveKeysets, nil
}

// activeKeyset returns the active keyset of the wallet unit for the mint.
// If the mint is new, its keysets get saved. If the active keyset of a known
// mint changed, the previous one is saved as inactive along with the new active.
func (w *Wallet) activeKeyset(ctx context.Context, mintURL string) (*crypto.WalletKeyset, error) {
	w.mintsMu.Lock()
	mint, ok := w.mints[mintURL]
	w.mintsMu.Unlock()
	if !ok {
		return w.addMint(ctx, mintURL)
	}

	allKeysets, err := client.GetAllKeysets(ctx, mintURL)
	if err != nil {
		return nil, err
	}

	activeKeyset := mint.activeKeyset
	activeChanged := true
	for _, keyset := range allKeysets.Keysets {
		if keyset.Active && keyset.Id == activeKeyset.Id {
			activeChanged = false
			if keyset.InputFeePpk != activeKeyset.InputFeePpk {
				activeKeyset.InputFeePpk = keyset.InputFeePpk
				if err := w.db.SaveKeyset(&activeKeyset); err != nil {
					return nil, err
				}
			}
			break
		}
	}

	if activeChanged {
		newActive, err := GetMintActiveKeyset(ctx, mintURL, w.unit)
		if err != nil {
			return nil, err
		}

		previous := activeKeyset
		previous.Active = false
		if err := w.db.SaveKeyset(&previous); err != nil {
			return nil, err
		}
		if err := w.db.SaveKeyset(newActive); err != nil {
			return nil, err
		}
		w.logInfof("active keyset for mint '%v' changed from '%v' to '%v'", mintURL, previous.Id, newActive.Id)

		mint.inactiveKeysets[previous.Id] = previous
		activeKeyset = *newActive
	}

	mint.activeKeyset = activeKeyset
	w.mintsMu.Lock()
	w.mints[mintURL] = mint
	w.mintsMu.Unlock()

	return &activeKeyset, nil
}

func (w *Wallet) addMint(ctx context.Context, mintURL string) (*crypto.WalletKeyset, error) {
	activeKeyset, err := GetMintActiveKeyset(ctx, mintURL, w.unit)
	if err != nil {
		return nil, err
	}
	if err := w.db.SaveKeyset(activeKeyset); err != nil {
		return nil, err
	}

	inactiveKeysets, err := GetMintInactiveKeysets(ctx, mintURL, w.unit)
	if err != nil {
		return nil, err
	}
	for id, keyset := range inactiveKeysets {
		if stored := w.db.GetKeyset(id); stored != nil {
			stored.Active = false
			inactiveKeysets[id] = *stored
			keyset = *stored
		}
		if err := w.db.SaveKeyset(&keyset); err != nil {
			return nil, err
		}
	}

	w.mintsMu.Lock()
	w.mints[mintURL] = walletMint{
		mintURL:         mintURL,
		activeKeyset:    *activeKeyset,
		inactiveKeysets: inactiveKeysets,
	}
	w.mintsMu.Unlock()
	w.logInfof("added mint '%v' with active keyset '%v'", mintURL, activeKeyset.Id)

	return activeKeyset, nil
}

// keysetById returns the keyset with its public keys,
// getting them from the mint if they are not stored.
func (w *Wallet) keysetById(ctx context.Context, mintURL, id string) (*crypto.WalletKeyset, error) {
	keyset := w.db.GetKeyset(id)
	if keyset != nil && len(keyset.PublicKeys) > 0 {
		return keyset, nil
	}

	keys, err := getKeysetKeys(ctx, mintURL, id)
	if err != nil {
		return nil, err
	}
	if keyset == nil {
		keyset = &crypto.WalletKeyset{Id: id, MintURL: mintURL, Unit: w.unit.String()}
	}
	keyset.PublicKeys = keys
	if err := w.db.SaveKeyset(keyset); err != nil {
		return nil, err
	}
	return keyset, nil
}

func getKeysetKeys(ctx context.Context, mintURL, id string) (map[uint64]*secp256k1.PublicKey, error) {
	keysetsResponse, err := client.GetKeysetById(ctx, mintURL, id)
	if err != nil {
		return nil, fmt.Errorf("error getting keyset from mint: %w", err)
	}

	if len(keysetsResponse.Keysets) == 0 || keysetsResponse.Keysets[0].Id != id {
		return nil, fmt.Errorf("mint did not return keyset '%v'", id)
	}
	keys, err := crypto.MapPubKeys(keysetsResponse.Keysets[0].Keys)
	if err != nil {
		return nil, err
	}
	if derived := crypto.DeriveKeysetId(keys); derived != id {
		return nil, fmt.Errorf("got invalid keyset. Derived id: '%v' but got '%v' from mint", derived, id)
	}

	return keys, nil
}
