package wallet

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/elnosh/nutsack/cashu"
	"github.com/elnosh/nutsack/cashu/nuts/nut07"
	"github.com/elnosh/nutsack/cashu/nuts/nut09"
	"github.com/elnosh/nutsack/cashu/nuts/nut13"
	"github.com/elnosh/nutsack/crypto"
	"github.com/elnosh/nutsack/wallet/client"
	"github.com/elnosh/nutsack/wallet/storage"
	"github.com/tyler-smith/go-bip39"
)

const (
	restoreBatchSize    = 100
	restoreEmptyBatches = 3
	checkStateBatchSize = 200
)

var ErrWalletExists = errors.New("wallet already exists")

// Restore creates a wallet from the mnemonic and recovers the unspent
// proofs from the mints by deriving the outputs the wallet would have created.
func Restore(ctx context.Context, config Config, mnemonic string, mintsToRestore []string) (cashu.Proofs, error) {
	config.setDefaults()

	// check if wallet db already exists, if there is one, throw error.
	for _, dbfile := range []string{"wallet.db", "wallet.sqlite.db"} {
		if _, err := os.Stat(filepath.Join(config.WalletPath, dbfile)); err == nil {
			return nil, ErrWalletExists
		}
	}

	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("invalid mnemonic")
	}

	if err := os.MkdirAll(config.WalletPath, 0700); err != nil {
		return nil, err
	}
	logger, logCloser, err := setupLogger(config)
	if err != nil {
		return nil, err
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	db, err := InitStorage(config.DBBackend, config.WalletPath)
	if err != nil {
		return nil, fmt.Errorf("error restoring wallet: %v", err)
	}
	defer db.Close()

	seed := bip39.NewSeed(mnemonic, "")
	masterKey, err := nut13.MasterKeyFromSeed(seed)
	if err != nil {
		return nil, err
	}
	if err := db.SaveMnemonicSeed(mnemonic, seed); err != nil {
		return nil, err
	}

	ledger := NewLedger(db)
	proofsRestored := cashu.Proofs{}

	for _, mint := range mintsToRestore {
		mintURL, err := normalizeMintURL(mint)
		if err != nil {
			return nil, err
		}

		mintInfo, err := client.GetMintInfo(ctx, mintURL)
		if err != nil {
			return nil, fmt.Errorf("error getting info from mint: %w", err)
		}
		if !mintInfo.Nuts.Nut07.Supported || !mintInfo.Nuts.Nut09.Supported {
			logger.Warn("mint does not support the necessary operations to restore wallet", "mint", mintURL)
			continue
		}

		keysetsResponse, err := client.GetAllKeysets(ctx, mintURL)
		if err != nil {
			return nil, err
		}

		var mintProofs cashu.Proofs
		for _, keyset := range keysetsResponse.Keysets {
			if keyset.Unit != config.Unit.String() {
				continue
			}
			// ignore keysets with non-hex ids
			if _, err := hex.DecodeString(keyset.Id); err != nil {
				continue
			}

			keysetKeys, err := getKeysetKeys(ctx, mintURL, keyset.Id)
			if err != nil {
				return nil, err
			}
			walletKeyset := crypto.WalletKeyset{
				Id:          keyset.Id,
				MintURL:     mintURL,
				Unit:        keyset.Unit,
				Active:      keyset.Active,
				PublicKeys:  keysetKeys,
				InputFeePpk: keyset.InputFeePpk,
			}
			if err := db.SaveKeyset(&walletKeyset); err != nil {
				return nil, err
			}

			proofs, nextCounter, err := restoreKeyset(ctx, masterKey, &walletKeyset)
			if err != nil {
				return nil, fmt.Errorf("error restoring keyset '%v' from mint '%v': %w", keyset.Id, mintURL, err)
			}

			if err := db.SaveProofs(toDBProofs(proofs, mintURL)); err != nil {
				return nil, fmt.Errorf("error saving restored proofs: %v", err)
			}
			// move the counter past the last output the mint has signed
			if nextCounter > 0 {
				if _, err := db.ReserveKeysetCounter(keyset.Id, nextCounter); err != nil {
					return nil, fmt.Errorf("error incrementing keyset counter: %v", err)
				}
			}
			mintProofs = append(mintProofs, proofs...)
		}

		if len(mintProofs) > 0 {
			if _, _, err := ledger.Record(storage.Transaction{
				Type:    storage.TxReceive,
				Amount:  mintProofs.Amount(),
				Status:  storage.TxConfirmed,
				Memo:    "restore",
				MintURL: mintURL,
			}); err != nil {
				logger.Error("could not record restore transaction", "error", err)
			}
		}
		proofsRestored = append(proofsRestored, mintProofs...)
	}

	return proofsRestored, nil
}

// restoreKeyset asks the mint for signatures on batches of derived outputs
// until it gets restoreEmptyBatches consecutive batches without signatures.
// It returns the unspent proofs and the counter after the last signed output.
func restoreKeyset(
	ctx context.Context,
	masterKey *hdkeychain.ExtendedKey,
	keyset *crypto.WalletKeyset,
) (cashu.Proofs, uint32, error) {
	keysetPath, err := nut13.DeriveKeysetPath(masterKey, keyset.Id)
	if err != nil {
		return nil, 0, err
	}

	var counter, nextCounter uint32
	proofsRestored := cashu.Proofs{}

	emptyBatches := 0
	for emptyBatches < restoreEmptyBatches {
		data := BlindingData{}
		counters := make(map[string]uint32, restoreBatchSize)
		for i := 0; i < restoreBatchSize; i++ {
			secret, r, err := deriveOutput(keysetPath, counter)
			if err != nil {
				return nil, 0, err
			}
			B_, r, err := crypto.BlindMessage(secret, r)
			if err != nil {
				return nil, 0, err
			}

			output := cashu.BlindedMessage{B_: hex.EncodeToString(B_.SerializeCompressed()), Id: keyset.Id}
			data.Outputs = append(data.Outputs, output)
			data.Secrets = append(data.Secrets, secret)
			data.Rs = append(data.Rs, r)
			counters[output.B_] = counter
			counter++
		}

		restoreResponse, err := client.PostRestore(ctx, keyset.MintURL, nut09.PostRestoreRequest{Outputs: data.Outputs})
		if err != nil {
			return nil, 0, mintError(err)
		}
		if len(restoreResponse.Signatures) == 0 {
			emptyBatches++
			continue
		}
		emptyBatches = 0

		signatures, signed, err := matchRestored(restoreResponse, data)
		if err != nil {
			return nil, 0, err
		}
		for _, output := range signed.Outputs {
			nextCounter = max(nextCounter, counters[output.B_]+1)
		}

		proofs, err := constructProofs(signatures, signed, keyset)
		if err != nil {
			return nil, 0, err
		}

		unspent, err := unspentProofs(ctx, keyset.MintURL, proofs)
		if err != nil {
			return nil, 0, err
		}
		proofsRestored = append(proofsRestored, unspent...)
	}

	return proofsRestored, nextCounter, nil
}

// unspentProofs returns the proofs the mint reports as unspent.
func unspentProofs(ctx context.Context, mintURL string, proofs cashu.Proofs) (cashu.Proofs, error) {
	states, err := proofStates(ctx, mintURL, proofs)
	if err != nil {
		return nil, err
	}

	unspent := cashu.Proofs{}
	for i, proof := range proofs {
		if states[i] == nut07.Unspent {
			unspent = append(unspent, proof)
		}
	}
	return unspent, nil
}

// proofStates returns the state of each proof in the same order.
func proofStates(ctx context.Context, mintURL string, proofs cashu.Proofs) ([]nut07.State, error) {
	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		Y, err := crypto.HashToCurve([]byte(proof.Secret))
		if err != nil {
			return nil, err
		}
		Ys[i] = hex.EncodeToString(Y.SerializeCompressed())
	}

	stateByY := make(map[string]nut07.State, len(Ys))
	for start := 0; start < len(Ys); start += checkStateBatchSize {
		end := min(start+checkStateBatchSize, len(Ys))
		response, err := client.PostCheckProofState(ctx, mintURL, nut07.PostCheckStateRequest{Ys: Ys[start:end]})
		if err != nil {
			return nil, mintError(err)
		}
		for _, proofState := range response.States {
			stateByY[proofState.Y] = proofState.State
		}
	}

	states := make([]nut07.State, len(Ys))
	for i, Y := range Ys {
		state, ok := stateByY[Y]
		if !ok {
			state = nut07.Unknown
		}
		states[i] = state
	}
	return states, nil
}

// CheckProofsState asks the mint of each proof for its state and removes the
// proofs reported as spent. It returns the amount removed.
func (w *Wallet) CheckProofsState(ctx context.Context) (uint64, error) {
	w.spendMu.Lock()
	defer w.spendMu.Unlock()

	byMint := make(map[string][]storage.DBProof)
	for _, proof := range w.proofs.Spendable("") {
		byMint[proof.MintURL] = append(byMint[proof.MintURL], proof)
	}

	var removed uint64
	var errs []error
	for mintURL, dbProofs := range byMint {
		states, err := proofStates(ctx, mintURL, storage.ToProofs(dbProofs))
		if err != nil {
			errs = append(errs, fmt.Errorf("mint '%v': %w", mintURL, err))
			continue
		}

		spent := []storage.DBProof{}
		for i, state := range states {
			if state == nut07.Spent {
				spent = append(spent, dbProofs[i])
				removed += dbProofs[i].Amount
			}
		}
		if len(spent) == 0 {
			continue
		}
		if err := w.proofs.Remove(spent); err != nil {
			errs = append(errs, err)
			continue
		}
		w.logInfof("removed %v spent proofs from mint '%v'", len(spent), mintURL)
	}

	return removed, errors.Join(errs...)
}
