package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/elnosh/nutsack/cashu"
	"github.com/elnosh/nutsack/cashu/nuts/nut05"
	"github.com/elnosh/nutsack/crypto"
	"github.com/elnosh/nutsack/wallet/client"
	"github.com/elnosh/nutsack/wallet/lnurl"
	"github.com/elnosh/nutsack/wallet/storage"
	decodepay "github.com/nbd-wtf/ln-decodepay"
)

type MeltResult struct {
	QuoteId    string
	State      nut05.State
	Preimage   string
	Amount     uint64
	FeeReserve uint64
	// amount returned by the mint from the unused fee reserve
	Change uint64
}

// change outputs of a melt that is still pending
type meltChange struct {
	mintURL string
	data    BlindingData
	keyset  *crypto.WalletKeyset
	amount  uint64
}

// decodeInvoice checks the invoice can be paid and returns its amount in sats.
func decodeInvoice(invoice string) (uint64, error) {
	bolt11, err := decodepay.Decodepay(invoice)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidInvoice, err)
	}
	if bolt11.MSatoshi <= 0 {
		return 0, fmt.Errorf("%w: invoice has no amount", ErrInvalidInvoice)
	}
	if bolt11.Expiry > 0 && time.Now().Unix() > int64(bolt11.CreatedAt+bolt11.Expiry) {
		return 0, fmt.Errorf("%w: invoice expired", ErrInvalidInvoice)
	}
	return uint64(bolt11.MSatoshi) / 1000, nil
}

func (w *Wallet) RequestMeltQuote(ctx context.Context, invoice string) (*nut05.PostMeltQuoteBolt11Response, error) {
	if _, err := decodeInvoice(invoice); err != nil {
		return nil, err
	}

	request := nut05.PostMeltQuoteBolt11Request{Request: invoice, Unit: w.unit.String()}
	quote, err := client.PostMeltQuoteBolt11(ctx, w.CurrentMint(), request)
	if err != nil {
		return nil, fmt.Errorf("error requesting melt quote: %w", mintError(err))
	}
	return quote, nil
}

// Melt pays the invoice with proofs from the current mint.
func (w *Wallet) Melt(ctx context.Context, invoice string) (*MeltResult, error) {
	quote, err := w.RequestMeltQuote(ctx, invoice)
	if err != nil {
		return nil, err
	}
	if quote.State == nut05.Paid {
		return nil, ErrAlreadyPaid
	}

	w.spendMu.Lock()
	defer w.spendMu.Unlock()

	mintURL := w.CurrentMint()
	required := quote.Amount + quote.FeeReserve
	balance := w.proofs.Balance(mintURL)
	if balance < quote.Amount {
		return nil, fmt.Errorf("%w: balance %v is less than invoice amount %v", ErrInsufficientBalance, balance, quote.Amount)
	}

	// the fee reserve is an upper bound of the lightning fee
	selection := w.proofs.Select(mintURL, min(required, balance))
	inputs := storage.ToProofs(selection.Picked)
	inputFee := w.inputFees(inputs)
	if inputFee > 0 && selection.Total < min(required+inputFee, balance) {
		selection = w.proofs.Select(mintURL, min(required+inputFee, balance))
		inputs = storage.ToProofs(selection.Picked)
		inputFee = w.inputFees(inputs)
	}
	if !selection.Ok || selection.Total < quote.Amount+inputFee {
		return nil, fmt.Errorf("%w: selected %v but need at least %v", ErrInsufficientBalance, selection.Total, quote.Amount+inputFee)
	}

	var change meltChange
	if selection.Total > required+inputFee {
		keyset, err := w.activeKeyset(ctx, mintURL)
		if err != nil {
			return nil, err
		}
		// the actual lightning fee is only known after the payment, so the
		// mint sets the amounts of the change outputs
		maxChange := selection.Total - quote.Amount - inputFee
		data, err := w.scheme.CreateBlankOutputs(blankOutputsCount(maxChange), keyset)
		if err != nil {
			return nil, err
		}
		change = meltChange{mintURL: mintURL, data: data, keyset: keyset}
	}

	if err := w.proofs.MoveToPending(selection.Picked, quote.Quote); err != nil {
		return nil, fmt.Errorf("error moving proofs to pending: %v", err)
	}

	meltRequest := nut05.PostMeltBolt11Request{
		Quote:   quote.Quote,
		Inputs:  inputs.Normalized(),
		Outputs: change.data.Outputs,
	}
	meltResponse, err := client.PostMeltBolt11(ctx, mintURL, meltRequest)
	if err != nil {
		return w.handleMeltError(ctx, mintURL, quote, change, err)
	}

	result := &MeltResult{
		QuoteId:    quote.Quote,
		State:      meltResponse.State,
		Preimage:   meltResponse.Preimage,
		Amount:     quote.Amount,
		FeeReserve: quote.FeeReserve,
	}

	switch meltResponse.State {
	case nut05.Paid:
		result.Change, err = w.finalizeMelt(quote.Quote, quote.Amount, mintURL, change, meltResponse.Change)
		if err != nil {
			return result, err
		}
		return result, nil
	case nut05.Pending:
		w.trackPendingMelt(ctx, quote, mintURL, change)
		return result, nil
	default:
		if err := w.proofs.RestorePending(quote.Quote); err != nil {
			w.logErrorf("could not restore proofs for melt quote '%v': %v", quote.Quote, err)
		}
		return result, ErrPaymentFailed
	}
}

// handleMeltError checks the quote when the melt request fails. The
// inputs are only returned to the wallet if the mint did not take them.
func (w *Wallet) handleMeltError(
	ctx context.Context,
	mintURL string,
	quote *nut05.PostMeltQuoteBolt11Response,
	change meltChange,
	meltErr error,
) (*MeltResult, error) {
	state := nut05.Unknown
	// signatures for the change outputs if the mint paid the invoice
	var signatures cashu.BlindedSignatures
	var preimage string
	var cashuErr cashu.Error
	if errors.As(meltErr, &cashuErr) && cashuErr.Code == cashu.MeltQuotePendingErrCode {
		state = nut05.Pending
	} else if !errors.As(meltErr, &cashuErr) {
		if current, err := client.GetMeltQuoteState(ctx, mintURL, quote.Quote); err == nil {
			state = current.State
			signatures = current.Change
			preimage = current.Preimage
		}
	}

	result := &MeltResult{
		QuoteId:    quote.Quote,
		State:      state,
		Preimage:   preimage,
		Amount:     quote.Amount,
		FeeReserve: quote.FeeReserve,
	}
	switch state {
	case nut05.Pending:
		w.trackPendingMelt(ctx, quote, mintURL, change)
		return result, nil
	case nut05.Paid:
		amount, err := w.finalizeMelt(quote.Quote, quote.Amount, mintURL, change, signatures)
		result.Change = amount
		return result, err
	}

	if err := w.proofs.RestorePending(quote.Quote); err != nil {
		w.logErrorf("could not restore proofs for melt quote '%v': %v", quote.Quote, err)
	}
	return nil, fmt.Errorf("error paying invoice: %w", mintError(meltErr))
}

// finalizeMelt removes the inputs of a paid melt and stores the change.
func (w *Wallet) finalizeMelt(
	quoteId string,
	amount uint64,
	mintURL string,
	change meltChange,
	signatures cashu.BlindedSignatures,
) (uint64, error) {
	if err := w.proofs.DeletePending(quoteId); err != nil {
		w.logErrorf("could not delete pending proofs for quote '%v': %v", quoteId, err)
	}

	var changeAmount uint64
	var changeErr error
	if len(signatures) > 0 && change.data.Len() > 0 {
		// the mint can return less signatures than the outputs sent
		data := BlindingData{
			Outputs: change.data.Outputs[:min(len(signatures), change.data.Len())],
			Secrets: change.data.Secrets[:min(len(signatures), change.data.Len())],
			Rs:      change.data.Rs[:min(len(signatures), change.data.Len())],
		}
		changeProofs, err := w.scheme.ToProofs(signatures, data, change.keyset)
		if err != nil {
			changeErr = fmt.Errorf("error constructing change proofs: %w", err)
		} else if err := w.proofs.Add(toDBProofs(changeProofs, mintURL)); err != nil {
			changeErr = fmt.Errorf("error storing change proofs: %v", err)
		} else {
			changeAmount = changeProofs.Amount()
		}
	}

	found, err := w.ledger.Confirm(quoteId)
	if err != nil {
		w.logErrorf("could not confirm transaction for quote '%v': %v", quoteId, err)
	}
	if !found {
		if _, _, err := w.ledger.Record(storage.Transaction{
			Type:    storage.TxSend,
			Amount:  amount,
			Status:  storage.TxConfirmed,
			MintURL: mintURL,
			QuoteId: quoteId,
		}); err != nil {
			w.logErrorf("could not record transaction for quote '%v': %v", quoteId, err)
		}
	}
	w.logInfof("paid melt quote '%v' for %v. Change: %v", quoteId, amount, changeAmount)

	return changeAmount, changeErr
}

func (w *Wallet) trackPendingMelt(
	ctx context.Context,
	quote *nut05.PostMeltQuoteBolt11Response,
	mintURL string,
	change meltChange,
) {
	change.amount = quote.Amount
	change.mintURL = mintURL
	w.meltMu.Lock()
	w.meltChanges[quote.Quote] = change
	w.meltMu.Unlock()

	if _, _, err := w.ledger.Record(storage.Transaction{
		Type:    storage.TxSend,
		Amount:  quote.Amount,
		Status:  storage.TxPending,
		MintURL: mintURL,
		QuoteId: quote.Quote,
	}); err != nil {
		w.logErrorf("could not record transaction for quote '%v': %v", quote.Quote, err)
	}
	w.logInfof("melt quote '%v' is pending", quote.Quote)

	w.WatchMeltQuote(context.WithoutCancel(ctx), quote.Quote)
}

// WatchMeltQuote polls a pending melt until it gets paid or fails.
func (w *Wallet) WatchMeltQuote(ctx context.Context, quoteId string) <-chan error {
	return w.poller.Start(ctx, quoteId, func(ctx context.Context) (bool, error) {
		state, err := w.CheckPendingMelt(ctx, quoteId)
		if err != nil {
			return false, err
		}
		switch state {
		case nut05.Paid:
			return true, nil
		case nut05.Unpaid:
			return true, ErrPaymentFailed
		}
		return false, nil
	})
}

// CheckPendingMelt checks the state of a pending melt quote at the mint.
// If it was paid, the pending proofs are removed. If it failed, they
// are returned to the wallet.
func (w *Wallet) CheckPendingMelt(ctx context.Context, quoteId string) (nut05.State, error) {
	pendingProofs := w.proofs.PendingByQuote(quoteId)
	if len(pendingProofs) == 0 {
		return nut05.Unknown, fmt.Errorf("%w for quote '%v'", storage.ErrPendingNotFound, quoteId)
	}

	w.meltMu.Lock()
	change, ok := w.meltChanges[quoteId]
	w.meltMu.Unlock()
	mintURL := pendingProofs[0].MintURL
	if ok {
		mintURL = change.mintURL
	}

	quote, err := client.GetMeltQuoteState(ctx, mintURL, quoteId)
	if err != nil {
		return nut05.Unknown, mintError(err)
	}

	switch quote.State {
	case nut05.Paid:
		amount := quote.Amount
		if ok {
			amount = change.amount
		}
		if _, err := w.finalizeMelt(quoteId, amount, mintURL, change, quote.Change); err != nil {
			w.logErrorf("error finalizing melt '%v': %v", quoteId, err)
		}
		w.forgetMeltChange(quoteId)
	case nut05.Unpaid:
		if err := w.proofs.RestorePending(quoteId); err != nil {
			return quote.State, err
		}
		if _, err := w.ledger.Fail(quoteId); err != nil {
			w.logErrorf("could not update transaction for quote '%v': %v", quoteId, err)
		}
		w.forgetMeltChange(quoteId)
	}

	return quote.State, nil
}

func (w *Wallet) forgetMeltChange(quoteId string) {
	w.meltMu.Lock()
	delete(w.meltChanges, quoteId)
	w.meltMu.Unlock()
}

// PayLightningAddress gets an invoice for amount from the lightning address and pays it.
func (w *Wallet) PayLightningAddress(ctx context.Context, address string, amount uint64) (*MeltResult, error) {
	invoice, err := lnurl.FetchInvoice(ctx, address, amount)
	if err != nil {
		return nil, err
	}
	return w.Melt(ctx, invoice)
}
