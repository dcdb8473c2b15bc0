package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/elnosh/nutsack/cashu"
	"github.com/elnosh/nutsack/cashu/nuts/nut03"
	"github.com/elnosh/nutsack/crypto"
	"github.com/elnosh/nutsack/wallet/client"
)

type swapPlan struct {
	inputs cashu.Proofs
	// amount of the outputs to send. The rest, minus the fee, is change
	send   uint64
	fee    uint64
	keyset *crypto.WalletKeyset
}

type swapResult struct {
	send   cashu.Proofs
	change cashu.Proofs
	fee    uint64
}

// planFunc builds a swap paying at least the fee passed.
type planFunc func(fee uint64) (swapPlan, error)

// swap exchanges inputs for new outputs at the mint. If the mint rejects
// the fee, the swap is built again with the fee it asked for and the fee
// is remembered for the mint.
func (w *Wallet) swap(ctx context.Context, mintURL string, plan planFunc) (swapResult, error) {
	fee := w.feeHints.Get(mintURL)

	var lastErr error
	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		p, err := plan(fee)
		if err != nil {
			return swapResult{}, err
		}

		inputsAmount := p.inputs.Amount()
		if inputsAmount < p.send+p.fee {
			return swapResult{}, fmt.Errorf("%w: inputs %v do not cover %v plus fee %v",
				ErrInsufficientBalance, inputsAmount, p.send, p.fee)
		}
		if inputsAmount == p.fee {
			return swapResult{}, fmt.Errorf("%w: amount does not cover fee of %v", ErrInsufficientBalance, p.fee)
		}

		sendData, err := w.scheme.CreateOutputs(p.send, p.keyset)
		if err != nil {
			return swapResult{}, err
		}
		changeData, err := w.scheme.CreateOutputs(inputsAmount-p.send-p.fee, p.keyset)
		if err != nil {
			return swapResult{}, err
		}
		data := sendData.Append(changeData)

		request := nut03.PostSwapRequest{Inputs: p.inputs.Normalized(), Outputs: data.Outputs}
		response, err := client.PostSwap(ctx, mintURL, request)
		if err == nil {
			proofs, err := w.scheme.ToProofs(response.Signatures, data, p.keyset)
			if err != nil {
				return swapResult{}, fmt.Errorf("error constructing proofs from swap: %w", err)
			}
			return swapResult{
				send:   proofs[:sendData.Len()],
				change: proofs[sendData.Len():],
				fee:    p.fee,
			}, nil
		}

		disclosed, ok := w.disclosedFee(err, p)
		if !ok {
			return swapResult{}, mintError(err)
		}
		w.logInfof("mint '%v' rejected fee %v for swap. Retrying with fee %v", mintURL, p.fee, disclosed)
		if err := w.feeHints.Set(mintURL, disclosed); err != nil {
			w.logErrorf("could not save fee hint: %v", err)
		}
		fee = disclosed
		lastErr = err
	}

	return swapResult{}, fmt.Errorf("%w: %w", ErrSwapFeeMismatch, lastErr)
}

// disclosedFee returns the fee to use in the next attempt
// if err is the mint rejecting the fee of the swap.
func (w *Wallet) disclosedFee(err error, p swapPlan) (uint64, bool) {
	var cashuErr cashu.Error
	if !errors.As(err, &cashuErr) || cashuErr.Code != cashu.InsufficientProofAmountErrCode {
		return 0, false
	}

	fee, ok := parseDisclosedFee(cashuErr.Detail)
	if !ok {
		fee = w.inputFees(p.inputs)
	}
	if fee <= p.fee {
		fee = p.fee + 1
	}
	return fee, true
}
