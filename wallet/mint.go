package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/elnosh/nutsack/cashu"
	"github.com/elnosh/nutsack/cashu/nuts/nut04"
	"github.com/elnosh/nutsack/cashu/nuts/nut09"
	"github.com/elnosh/nutsack/wallet/client"
	"github.com/elnosh/nutsack/wallet/storage"
)

type MintQuote struct {
	QuoteId string
	// bolt11 invoice to pay
	Request string
	Amount  uint64
	Expiry  int64
	State   nut04.State
}

// QuoteNotification is a change of state of a mint quote.
type QuoteNotification struct {
	QuoteId string
	State   nut04.State
}

// RequestMint requests a mint quote for amount and stores the outputs
// for it before returning the invoice to pay.
func (w *Wallet) RequestMint(ctx context.Context, amount uint64) (*MintQuote, error) {
	if amount == 0 {
		return nil, errors.New("amount must be greater than zero")
	}

	mintURL := w.CurrentMint()
	keyset, err := w.activeKeyset(ctx, mintURL)
	if err != nil {
		return nil, err
	}

	quoteRequest := nut04.PostMintQuoteBolt11Request{Amount: amount, Unit: w.unit.String()}
	quote, err := client.PostMintQuoteBolt11(ctx, mintURL, quoteRequest)
	if err != nil {
		return nil, fmt.Errorf("error requesting mint quote: %w", mintError(err))
	}

	data, err := w.scheme.CreateOutputs(amount, keyset)
	if err != nil {
		return nil, err
	}

	pendingMint := storage.PendingMint{
		QuoteId:        quote.Quote,
		MintURL:        mintURL,
		KeysetId:       keyset.Id,
		Outputs:        data.PendingOutputs(),
		ExpectedAmount: amount,
		Request:        quote.Request,
		Expiry:         quote.Expiry,
		CreatedAt:      time.Now().Unix(),
	}
	if err := w.pending.Save(pendingMint); err != nil {
		return nil, fmt.Errorf("error saving pending mint: %v", err)
	}

	if _, _, err := w.ledger.Record(storage.Transaction{
		Type:    storage.TxReceive,
		Amount:  amount,
		Status:  storage.TxPending,
		MintURL: mintURL,
		QuoteId: quote.Quote,
	}); err != nil {
		w.logErrorf("could not record transaction for quote '%v': %v", quote.Quote, err)
	}
	w.logInfof("requested mint quote '%v' for %v", quote.Quote, amount)

	return &MintQuote{
		QuoteId: quote.Quote,
		Request: quote.Request,
		Amount:  amount,
		Expiry:  quote.Expiry,
		State:   quote.State,
	}, nil
}

func (w *Wallet) MintQuoteState(ctx context.Context, quoteId string) (nut04.State, error) {
	mintURL := w.CurrentMint()
	if pendingMint := w.pending.Get(quoteId); pendingMint != nil {
		mintURL = pendingMint.MintURL
	}

	quote, err := client.GetMintQuoteState(ctx, mintURL, quoteId)
	if err != nil {
		return nut04.Unknown, mintError(err)
	}
	return quote.State, nil
}

// RedeemMintQuote gets the signatures for the outputs stored for the quote
// and adds the proofs to the wallet. It returns the amount added.
// Redeeming a quote that was already credited adds nothing.
func (w *Wallet) RedeemMintQuote(ctx context.Context, quoteId string) (uint64, error) {
	w.redeemMu.Lock()
	if _, ok := w.redeeming[quoteId]; ok {
		w.redeemMu.Unlock()
		return 0, ErrRedeemInProgress
	}
	w.redeeming[quoteId] = struct{}{}
	w.redeemMu.Unlock()

	defer func() {
		w.redeemMu.Lock()
		delete(w.redeeming, quoteId)
		w.redeemMu.Unlock()
	}()

	pendingMint := w.pending.Get(quoteId)
	if pendingMint == nil {
		if w.ledger.IsConfirmed(quoteId, storage.TxReceive) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w '%v'", ErrMissingRedemptionContext, quoteId)
	}

	keyset, err := w.keysetById(ctx, pendingMint.MintURL, pendingMint.KeysetId)
	if err != nil {
		return 0, err
	}
	data, err := BlindingDataFromPending(pendingMint.KeysetId, pendingMint.Outputs)
	if err != nil {
		return 0, err
	}

	mintRequest := nut04.PostMintBolt11Request{Quote: quoteId, Outputs: data.Outputs}
	mintResponse, err := client.PostMintBolt11(ctx, pendingMint.MintURL, mintRequest)
	var signatures cashu.BlindedSignatures
	if err != nil {
		var cashuErr cashu.Error
		if !errors.As(err, &cashuErr) || cashuErr.Code != cashu.MintQuoteAlreadyIssuedErrCode {
			return 0, mintError(err)
		}

		// the mint signed the outputs before but the proofs were not stored
		w.logInfof("quote '%v' already issued. Restoring signatures for outputs", quoteId)
		signatures, data, err = restoreSignatures(ctx, pendingMint.MintURL, data)
		if err != nil {
			return 0, fmt.Errorf("could not recover signatures for issued quote: %w", err)
		}
	} else {
		signatures = mintResponse.Signatures
	}

	proofs, err := w.scheme.ToProofs(signatures, data, keyset)
	if err != nil {
		return 0, fmt.Errorf("error constructing proofs: %w", err)
	}

	if err := w.proofs.Add(toDBProofs(proofs, pendingMint.MintURL)); err != nil {
		return 0, fmt.Errorf("error storing proofs: %v", err)
	}

	amount := proofs.Amount()
	found, err := w.ledger.Confirm(quoteId)
	if err != nil {
		w.logErrorf("could not confirm transaction for quote '%v': %v", quoteId, err)
	}
	if !found {
		if _, _, err := w.ledger.Record(storage.Transaction{
			Type:    storage.TxReceive,
			Amount:  amount,
			Status:  storage.TxConfirmed,
			MintURL: pendingMint.MintURL,
			QuoteId: quoteId,
		}); err != nil {
			w.logErrorf("could not record transaction for quote '%v': %v", quoteId, err)
		}
	}

	if err := w.pending.Delete(quoteId); err != nil {
		w.logErrorf("could not delete pending mint '%v': %v", quoteId, err)
	}
	w.logInfof("redeemed quote '%v' for %v", quoteId, amount)

	return amount, nil
}

// restoreSignatures asks the mint for the signatures of outputs it
// signed before. It returns the signatures with the blinding data
// of the outputs that were signed.
func restoreSignatures(
	ctx context.Context,
	mintURL string,
	data BlindingData,
) (cashu.BlindedSignatures, BlindingData, error) {
	restoreResponse, err := client.PostRestore(ctx, mintURL, nut09.PostRestoreRequest{Outputs: data.Outputs})
	if err != nil {
		return nil, BlindingData{}, mintError(err)
	}
	if len(restoreResponse.Signatures) == 0 {
		return nil, BlindingData{}, errors.New("mint did not return signatures for outputs")
	}
	return matchRestored(restoreResponse, data)
}

func matchRestored(
	restoreResponse *nut09.PostRestoreResponse,
	data BlindingData,
) (cashu.BlindedSignatures, BlindingData, error) {
	if len(restoreResponse.Signatures) != len(restoreResponse.Outputs) {
		return nil, BlindingData{}, ErrSignaturesMismatch
	}

	indexByB_ := make(map[string]int, data.Len())
	for i, output := range data.Outputs {
		indexByB_[output.B_] = i
	}

	signed := BlindingData{}
	for _, output := range restoreResponse.Outputs {
		i, ok := indexByB_[output.B_]
		if !ok {
			return nil, BlindingData{}, errors.New("mint returned signature for unknown output")
		}
		signed.Outputs = append(signed.Outputs, data.Outputs[i])
		signed.Secrets = append(signed.Secrets, data.Secrets[i])
		signed.Rs = append(signed.Rs, data.Rs[i])
	}

	return restoreResponse.Signatures, signed, nil
}

// WatchMintQuote polls the state of the quote and redeems it once paid.
func (w *Wallet) WatchMintQuote(ctx context.Context, quoteId string) <-chan error {
	return w.poller.Start(ctx, quoteId, func(ctx context.Context) (bool, error) {
		state, err := w.MintQuoteState(ctx, quoteId)
		if err != nil {
			if errors.Is(err, ErrQuoteExpired) {
				return true, err
			}
			return false, err
		}

		switch state {
		case nut04.Paid, nut04.Issued:
			_, err := w.RedeemMintQuote(ctx, quoteId)
			if errors.Is(err, ErrRedeemInProgress) || errors.Is(err, ErrMintUnreachable) {
				return false, err
			}
			return true, err
		case nut04.Unpaid:
			if pendingMint := w.pending.Get(quoteId); pendingMint != nil && quoteExpired(pendingMint.Expiry) {
				return true, ErrQuoteExpired
			}
		}
		return false, nil
	})
}

// HandleNotifications redeems the quotes that get notified as paid.
// It returns when the channel is closed or ctx is done.
func (w *Wallet) HandleNotifications(ctx context.Context, notifications <-chan QuoteNotification) {
	for {
		select {
		case <-ctx.Done():
			return
		case notification, ok := <-notifications:
			if !ok {
				return
			}
			if notification.State != nut04.Paid && notification.State != nut04.Issued {
				continue
			}

			amount, err := w.RedeemMintQuote(ctx, notification.QuoteId)
			switch {
			case err == nil:
				if amount > 0 {
					w.poller.Stop(notification.QuoteId)
				}
			case errors.Is(err, ErrRedeemInProgress):
				w.logDebugf("quote '%v' is already being redeemed", notification.QuoteId)
			case errors.Is(err, ErrMintUnreachable):
				// pending mint is kept so it can be redeemed later
				w.logErrorf("could not reach mint to redeem quote '%v': %v", notification.QuoteId, err)
			default:
				w.logErrorf("could not redeem quote '%v': %v", notification.QuoteId, err)
			}
		}
	}
}

// CleanupPendingMints removes the pending mints older than the configured
// TTL whose quote expired without being paid. It returns the quotes removed.
func (w *Wallet) CleanupPendingMints(ctx context.Context) ([]string, error) {
	cutoff := time.Now().Add(-w.pendingMintTTL).Unix()

	removed := []string{}
	var errs []error
	for _, pendingMint := range w.pending.OlderThan(cutoff) {
		quote, err := client.GetMintQuoteState(ctx, pendingMint.MintURL, pendingMint.QuoteId)
		if err != nil {
			var cashuErr cashu.Error
			if !errors.As(err, &cashuErr) {
				errs = append(errs, err)
				continue
			}
			// mint does not know the quote anymore
		} else if quote.State != nut04.Unpaid || !quoteExpired(quote.Expiry) {
			continue
		}

		if err := w.pending.Delete(pendingMint.QuoteId); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := w.ledger.Fail(pendingMint.QuoteId); err != nil {
			errs = append(errs, err)
		}
		removed = append(removed, pendingMint.QuoteId)
	}

	return removed, errors.Join(errs...)
}

func quoteExpired(expiry int64) bool {
	return expiry > 0 && time.Now().Unix() > expiry
}
