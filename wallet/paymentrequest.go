package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/elnosh/nutsack/cashu"
	"github.com/elnosh/nutsack/cashu/nuts/nut18"
	"github.com/elnosh/nutsack/wallet/storage"
)

// PayloadDeliverer sends the payload paying a request
// through one of the transports of the request.
type PayloadDeliverer interface {
	Deliver(ctx context.Context, request nut18.PaymentRequest, payload nut18.PaymentPayload) error
}

type PaymentRequestOptions struct {
	Amount      uint64
	Description string
	SingleUse   bool
	Transports  []nut18.Transport
}

// CreatePaymentRequest returns an encoded payment request to be paid with
// proofs from the current mint.
func (w *Wallet) CreatePaymentRequest(opts PaymentRequestOptions) (string, error) {
	secret, err := cashu.GenerateRandomSecret()
	if err != nil {
		return "", err
	}

	request := nut18.PaymentRequest{
		Id:          secret[:8],
		Amount:      opts.Amount,
		Unit:        w.unit.String(),
		SingleUse:   opts.SingleUse,
		Mints:       []string{w.CurrentMint()},
		Description: opts.Description,
		Transports:  opts.Transports,
	}
	return request.Encode()
}

// PayPaymentRequest sends proofs for the request through its transports.
// If amount is 0, the amount in the request is used. If the payment
// cannot be delivered, the proofs are kept in the wallet.
func (w *Wallet) PayPaymentRequest(ctx context.Context, encoded string, amount uint64) error {
	request, err := nut18.Decode(encoded)
	if err != nil {
		return err
	}

	switch {
	case request.Amount > 0 && amount > 0 && amount != request.Amount:
		return fmt.Errorf("amount %v does not match amount in request %v", amount, request.Amount)
	case request.Amount > 0:
		amount = request.Amount
	case amount == 0:
		return errors.New("request has no amount. Specify the amount to pay")
	}

	if unit, err := cashu.UnitFromString(request.Unit); err != nil || unit != w.unit {
		return fmt.Errorf("%w: unit '%v'", cashu.ErrInvalidUnit, request.Unit)
	}

	mintURL := w.CurrentMint()
	if !request.AcceptsMint(mintURL) {
		return fmt.Errorf("%w: request accepts %v", ErrMintMismatch, request.Mints)
	}
	if len(request.TransportsOfType(nut18.TransportPost)) == 0 &&
		len(request.TransportsOfType(nut18.TransportNostr)) == 0 {
		return fmt.Errorf("%w: request has no supported transport", ErrTransportDeliveryFailed)
	}

	w.spendMu.Lock()
	defer w.spendMu.Unlock()

	proofs, err := w.send(ctx, mintURL, amount, SendOptions{})
	if err != nil {
		return err
	}

	payload := nut18.NewPaymentPayload(request, mintURL, request.Description, proofs)
	if err := w.deliverer.Deliver(ctx, request, payload); err != nil {
		if addErr := w.proofs.Add(toDBProofs(proofs, mintURL)); addErr != nil {
			w.logErrorf("could not store back proofs for undelivered payment: %v", addErr)
			return errors.Join(err, addErr)
		}
		return err
	}

	if _, _, err := w.ledger.Record(storage.Transaction{
		Type:    storage.TxSend,
		Amount:  amount,
		Status:  storage.TxConfirmed,
		Memo:    request.Description,
		MintURL: mintURL,
	}); err != nil {
		w.logErrorf("could not record transaction: %v", err)
	}
	w.logInfof("paid payment request '%v' for %v", request.Id, amount)

	return nil
}
