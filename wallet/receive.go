package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/elnosh/nutsack/cashu"
	"github.com/elnosh/nutsack/cashu/nuts/nut12"
	"github.com/elnosh/nutsack/cashu/nuts/nut18"
	"github.com/elnosh/nutsack/wallet/storage"
)

// Receive swaps the proofs in the token for new ones at the mint of the
// token so the sender can no longer spend them. If the swap fails, the
// proofs are stored disabled and can be claimed later with RetryQuarantined.
func (w *Wallet) Receive(ctx context.Context, tokenstr string) (uint64, error) {
	token, err := cashu.DecodeToken(tokenstr)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTokenFormatInvalid, err)
	}

	mintURL, err := normalizeMintURL(token.Mint())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTokenFormatInvalid, err)
	}

	return w.receiveProofs(ctx, mintURL, token.Proofs(), token.Memo(), tokenstr)
}

// ReceivePayload claims the proofs of a payload sent for a payment request.
func (w *Wallet) ReceivePayload(ctx context.Context, payload nut18.PaymentPayload) (uint64, error) {
	if unit, err := cashu.UnitFromString(payload.Unit); err != nil || unit != w.unit {
		return 0, fmt.Errorf("%w: unit '%v'", cashu.ErrInvalidUnit, payload.Unit)
	}
	mintURL, err := normalizeMintURL(payload.Mint)
	if err != nil {
		return 0, err
	}
	return w.receiveProofs(ctx, mintURL, payload.Proofs, payload.Memo, "")
}

func (w *Wallet) receiveProofs(
	ctx context.Context,
	mintURL string,
	proofs cashu.Proofs,
	memo string,
	token string,
) (uint64, error) {
	if len(proofs) == 0 {
		return 0, fmt.Errorf("%w: %v", ErrTokenFormatInvalid, cashu.ErrEmptyToken)
	}
	if cashu.CheckDuplicateProofs(proofs) {
		return 0, fmt.Errorf("%w: duplicate proofs", ErrTokenFormatInvalid)
	}
	for _, proof := range proofs {
		if proof.Amount == 0 {
			return 0, fmt.Errorf("%w: proof with zero amount", ErrTokenFormatInvalid)
		}
	}

	if err := w.verifyDLEQ(ctx, mintURL, proofs); err != nil {
		if errors.Is(err, ErrInvalidDLEQ) {
			return 0, err
		}
		return 0, w.quarantine(mintURL, proofs, err)
	}

	w.spendMu.Lock()
	defer w.spendMu.Unlock()

	amount, err := w.claim(ctx, mintURL, proofs)
	if err != nil {
		return 0, w.quarantine(mintURL, proofs, err)
	}

	if _, _, err := w.ledger.Record(storage.Transaction{
		Type:    storage.TxReceive,
		Amount:  amount,
		Status:  storage.TxConfirmed,
		Memo:    memo,
		MintURL: mintURL,
		Token:   token,
	}); err != nil {
		w.logErrorf("could not record transaction: %v", err)
	}
	w.logInfof("received %v from mint '%v'", amount, mintURL)

	return amount, nil
}

// claim swaps the proofs for new ones and stores them.
// It returns the amount stored after fees.
func (w *Wallet) claim(ctx context.Context, mintURL string, proofs cashu.Proofs) (uint64, error) {
	keyset, err := w.activeKeyset(ctx, mintURL)
	if err != nil {
		return 0, err
	}

	plan := func(fee uint64) (swapPlan, error) {
		return swapPlan{
			inputs: proofs,
			fee:    max(fee, w.inputFees(proofs)),
			keyset: keyset,
		}, nil
	}
	result, err := w.swap(ctx, mintURL, plan)
	if err != nil {
		return 0, err
	}

	// proofs being claimed might be stored in quarantine
	if err := w.proofs.Replace(toDBProofs(proofs, mintURL), toDBProofs(result.change, mintURL)); err != nil {
		return 0, fmt.Errorf("error storing proofs: %v", err)
	}
	return result.change.Amount(), nil
}

// verifyDLEQ checks the DLEQ proofs that are present against the keys of the mint.
func (w *Wallet) verifyDLEQ(ctx context.Context, mintURL string, proofs cashu.Proofs) error {
	byKeyset := make(map[string]cashu.Proofs)
	for _, proof := range proofs {
		if proof.DLEQ != nil {
			byKeyset[proof.Id] = append(byKeyset[proof.Id], proof)
		}
	}

	for id, keysetProofs := range byKeyset {
		keyset, err := w.keysetById(ctx, mintURL, id)
		if err != nil {
			return err
		}
		if !nut12.VerifyProofsDLEQ(keysetProofs, *keyset) {
			return ErrInvalidDLEQ
		}
	}
	return nil
}

// quarantine stores the proofs that could not be claimed as disabled
// and returns the error that caused it.
func (w *Wallet) quarantine(mintURL string, proofs cashu.Proofs, cause error) error {
	dbProofs := toDBProofs(proofs, mintURL)
	for i := range dbProofs {
		dbProofs[i].Disabled = true
		dbProofs[i].DisabledReason = storage.DisabledSwapFail
	}
	if err := w.proofs.Add(dbProofs); err != nil {
		w.logErrorf("could not store proofs that failed to swap: %v", err)
		return errors.Join(cause, err)
	}
	w.logInfof("stored %v proofs from mint '%v' disabled after failed swap: %v", len(proofs), mintURL, cause)
	return cause
}

// RetryQuarantined tries again to claim the proofs that could
// not be swapped when they were received.
func (w *Wallet) RetryQuarantined(ctx context.Context) (uint64, error) {
	byMint := make(map[string]cashu.Proofs)
	for _, proof := range w.proofs.Quarantined(storage.DisabledSwapFail) {
		byMint[proof.MintURL] = append(byMint[proof.MintURL], proof.Proof())
	}

	w.spendMu.Lock()
	defer w.spendMu.Unlock()

	var claimed uint64
	var errs []error
	for mintURL, proofs := range byMint {
		amount, err := w.claim(ctx, mintURL, proofs)
		if err != nil {
			errs = append(errs, fmt.Errorf("mint '%v': %w", mintURL, err))
			continue
		}
		claimed += amount

		if _, _, err := w.ledger.Record(storage.Transaction{
			Type:    storage.TxReceive,
			Amount:  amount,
			Status:  storage.TxConfirmed,
			MintURL: mintURL,
		}); err != nil {
			w.logErrorf("could not record transaction: %v", err)
		}
	}

	return claimed, errors.Join(errs...)
}
