package wallet

import (
	"context"
	"encoding/json"

	"github.com/elnosh/nutsack/cashu/nuts/nut04"
	"github.com/elnosh/nutsack/cashu/nuts/nut17"
	"github.com/elnosh/nutsack/wallet/submanager"
)

// SubscribeMintQuote opens a NUT-17 subscription to the state of the mint
// quote. The returned channel is closed when ctx is done or the connection
// to the mint drops. Mints without websocket support return
// submanager.ErrNUT17NotSupported and the caller should poll instead.
func (w *Wallet) SubscribeMintQuote(ctx context.Context, quoteId string) (<-chan QuoteNotification, error) {
	mintURL := w.CurrentMint()
	if pendingMint := w.pending.Get(quoteId); pendingMint != nil {
		mintURL = pendingMint.MintURL
	}

	subManager, err := submanager.NewSubscriptionManager(ctx, mintURL, w.logger)
	if err != nil {
		return nil, err
	}
	sub, err := subManager.Subscribe(ctx, nut17.Bolt11MintQuote, []string{quoteId})
	if err != nil {
		subManager.Close()
		return nil, err
	}

	notifications := make(chan QuoteNotification)
	go func() {
		defer close(notifications)
		defer subManager.Close()

		for {
			select {
			case <-ctx.Done():
				subManager.Unsubscribe(context.WithoutCancel(ctx), sub.SubId())
				return
			case notification, ok := <-sub.Notifications():
				if !ok {
					return
				}
				var quote nut04.PostMintQuoteBolt11Response
				if err := json.Unmarshal(notification.Params.Payload, &quote); err != nil {
					w.logErrorf("could not parse mint quote notification: %v", err)
					continue
				}
				select {
				case notifications <- QuoteNotification{QuoteId: quote.Quote, State: quote.State}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return notifications, nil
}
