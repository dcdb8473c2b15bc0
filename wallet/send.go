package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/elnosh/nutsack/cashu"
	"github.com/elnosh/nutsack/wallet/storage"
)

// SendOptions provides configuration for send operations
type SendOptions struct {
	// IncludeFees adds the fee the receiver will pay to swap
	// the proofs to the amount sent
	IncludeFees bool
}

type TokenOptions struct {
	SendOptions
	Memo string
	// 3 for cashuA tokens. Defaults to cashuB
	Version     int
	IncludeDLEQ bool
}

// Send takes proofs for amount out of the wallet. If the stored proofs do not
// add up to amount exactly, they are swapped for the amount and the change.
// Exact sends with no input fee reuse the stored proofs without a swap, so
// the sender keeps knowing their secrets until the receiver claims them.
func (w *Wallet) Send(ctx context.Context, amount uint64, opts SendOptions) (cashu.Proofs, error) {
	w.spendMu.Lock()
	defer w.spendMu.Unlock()
	return w.send(ctx, w.CurrentMint(), amount, opts)
}

func (w *Wallet) send(ctx context.Context, mintURL string, amount uint64, opts SendOptions) (cashu.Proofs, error) {
	if amount == 0 {
		return nil, errors.New("amount must be greater than zero")
	}

	keyset, err := w.activeKeyset(ctx, mintURL)
	if err != nil {
		return nil, err
	}

	if opts.IncludeFees {
		outputs := uint(len(cashu.AmountSplit(amount)))
		amount += uint64((outputs*keyset.InputFeePpk + 999) / 1000)
	}

	if balance := w.proofs.Balance(mintURL); balance < amount {
		return nil, fmt.Errorf("%w: balance %v is less than %v", ErrInsufficientBalance, balance, amount)
	}

	selection := w.proofs.Select(mintURL, amount)
	if selection.Ok && selection.Total == amount {
		proofs := storage.ToProofs(selection.Picked)
		if w.inputFees(proofs) == 0 {
			if err := w.proofs.Remove(selection.Picked); err != nil {
				return nil, err
			}
			return proofs, nil
		}
	}

	var picked []storage.DBProof
	plan := func(fee uint64) (swapPlan, error) {
		selection := w.proofs.Select(mintURL, amount+fee)
		inputs := storage.ToProofs(selection.Picked)
		inputFee := max(fee, w.inputFees(inputs))
		if selection.Total < amount+inputFee {
			selection = w.proofs.Select(mintURL, amount+inputFee)
			inputs = storage.ToProofs(selection.Picked)
			inputFee = max(fee, w.inputFees(inputs))
		}
		if !selection.Ok || selection.Total < amount+inputFee {
			return swapPlan{}, fmt.Errorf("%w: need %v including fee of %v", ErrInsufficientBalance, amount+inputFee, inputFee)
		}

		picked = selection.Picked
		return swapPlan{inputs: inputs, send: amount, fee: inputFee, keyset: keyset}, nil
	}

	result, err := w.swap(ctx, mintURL, plan)
	if err != nil {
		return nil, err
	}

	if err := w.proofs.Replace(picked, toDBProofs(result.change, mintURL)); err != nil {
		return nil, fmt.Errorf("error storing change from swap: %v", err)
	}

	return result.send, nil
}

// SendToken takes proofs for amount and serializes them in a token.
func (w *Wallet) SendToken(ctx context.Context, amount uint64, opts TokenOptions) (string, error) {
	w.spendMu.Lock()
	defer w.spendMu.Unlock()

	mintURL := w.CurrentMint()
	proofs, err := w.send(ctx, mintURL, amount, opts.SendOptions)
	if err != nil {
		return "", err
	}

	token, err := w.serializeToken(proofs, mintURL, opts)
	if err != nil {
		// keep the proofs if the token could not be built
		if addErr := w.proofs.Add(toDBProofs(proofs, mintURL)); addErr != nil {
			w.logErrorf("could not store proofs back: %v", addErr)
		}
		return "", err
	}

	if _, _, err := w.ledger.Record(storage.Transaction{
		Type:    storage.TxSend,
		Amount:  proofs.Amount(),
		Status:  storage.TxConfirmed,
		Memo:    opts.Memo,
		MintURL: mintURL,
		Token:   token,
	}); err != nil {
		w.logErrorf("could not record transaction: %v", err)
	}

	return token, nil
}

func (w *Wallet) serializeToken(proofs cashu.Proofs, mintURL string, opts TokenOptions) (string, error) {
	if opts.Version == 3 {
		token, err := cashu.NewTokenV3(proofs, mintURL, w.unit, opts.Memo)
		if err != nil {
			return "", err
		}
		return token.Serialize()
	}

	token, err := cashu.NewTokenV4(proofs, mintURL, w.unit, opts.Memo, opts.IncludeDLEQ)
	if err != nil {
		return "", err
	}
	return token.Serialize()
}
