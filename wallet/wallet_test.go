package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/http/httputil"
	"net/url"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/elnosh/nutsack/cashu"
	"github.com/elnosh/nutsack/cashu/nuts/nut04"
	"github.com/elnosh/nutsack/cashu/nuts/nut05"
	"github.com/elnosh/nutsack/cashu/nuts/nut18"
	"github.com/elnosh/nutsack/testutils"
	"github.com/elnosh/nutsack/wallet/storage"
	"github.com/elnosh/nutsack/wallet/transport"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

func testConfig(t *testing.T, mintURL string) Config {
	t.Helper()
	return Config{
		WalletPath:        t.TempDir(),
		CurrentMintURL:    mintURL,
		PollInterval:      10 * time.Millisecond,
		PollMaxIterations: 100,
		Logger:            testutils.DiscardLogger(),
	}
}

func loadTestWallet(t *testing.T, config Config) *Wallet {
	t.Helper()
	wallet, err := LoadWallet(context.Background(), config)
	if err != nil {
		t.Fatalf("error loading wallet: %v", err)
	}
	t.Cleanup(func() { wallet.Shutdown() })
	return wallet
}

func testWallet(t *testing.T, mintURL string) *Wallet {
	t.Helper()
	return loadTestWallet(t, testConfig(t, mintURL))
}

func fundWallet(t *testing.T, wallet *Wallet, fakeMint *testutils.FakeMint, amount uint64) string {
	t.Helper()
	ctx := context.Background()

	quote, err := wallet.RequestMint(ctx, amount)
	if err != nil {
		t.Fatalf("unexpected error requesting mint: %v", err)
	}
	if err := fakeMint.PayMintQuote(quote.QuoteId); err != nil {
		t.Fatalf("unexpected error paying quote: %v", err)
	}
	minted, err := wallet.RedeemMintQuote(ctx, quote.QuoteId)
	if err != nil {
		t.Fatalf("unexpected error redeeming quote: %v", err)
	}
	if minted != amount {
		t.Fatalf("expected '%v' but got '%v'", amount, minted)
	}
	return quote.QuoteId
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func sortedSecrets(proofs []storage.DBProof) []string {
	s := secrets(proofs)
	slices.Sort(s)
	return s
}

func TestMint(t *testing.T) {
	fakeMint := testutils.NewFakeMint(testutils.FakeMintOptions{})
	defer fakeMint.Close()
	wallet := testWallet(t, fakeMint.URL())

	quoteId := fundWallet(t, wallet, fakeMint, 10000)

	if balance := wallet.GetBalance(); balance != 10000 {
		t.Fatalf("expected '%v' but got '%v'", 10000, balance)
	}
	if pending := wallet.PendingMints(); len(pending) != 0 {
		t.Fatalf("expected no pending mints but got '%v'", len(pending))
	}

	txs := wallet.Transactions()
	if len(txs) != 1 {
		t.Fatalf("expected '%v' transactions but got '%v'", 1, len(txs))
	}
	tx := txs[0]
	if tx.Type != storage.TxReceive || tx.Amount != 10000 || tx.Status != storage.TxConfirmed || tx.QuoteId != quoteId {
		t.Fatalf("unexpected transaction: %+v", tx)
	}

	// every proof verifies against the mint keys
	for _, proof := range wallet.proofs.Spendable("") {
		if proof.DLEQ == nil {
			t.Fatalf("expected proof with DLEQ")
		}
	}
}

func TestRedeemTwice(t *testing.T) {
	fakeMint := testutils.NewFakeMint(testutils.FakeMintOptions{})
	defer fakeMint.Close()
	wallet := testWallet(t, fakeMint.URL())

	quoteId := fundWallet(t, wallet, fakeMint, 1000)

	amount, err := wallet.RedeemMintQuote(context.Background(), quoteId)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if amount != 0 {
		t.Fatalf("expected '%v' but got '%v'", 0, amount)
	}
	if balance := wallet.GetBalance(); balance != 1000 {
		t.Fatalf("expected '%v' but got '%v'", 1000, balance)
	}
	if txs := wallet.Transactions(); len(txs) != 1 {
		t.Fatalf("expected '%v' transactions but got '%v'", 1, len(txs))
	}
}

func TestRedeemErrors(t *testing.T) {
	fakeMint := testutils.NewFakeMint(testutils.FakeMintOptions{})
	defer fakeMint.Close()
	wallet := testWallet(t, fakeMint.URL())
	ctx := context.Background()

	_, err := wallet.RedeemMintQuote(ctx, "unknownquote")
	if !errors.Is(err, ErrMissingRedemptionContext) {
		t.Fatalf("expected '%v' but got '%v'", ErrMissingRedemptionContext, err)
	}

	quote, err := wallet.RequestMint(ctx, 100)
	if err != nil {
		t.Fatalf("unexpected error requesting mint: %v", err)
	}
	_, err = wallet.RedeemMintQuote(ctx, quote.QuoteId)
	if !errors.Is(err, ErrQuoteNotPaid) {
		t.Fatalf("expected '%v' but got '%v'", ErrQuoteNotPaid, err)
	}
	// outputs are kept to redeem later
	if wallet.pending.Get(quote.QuoteId) == nil {
		t.Fatal("expected pending mint to be kept")
	}

	fakeMint.ExpireMintQuote(quote.QuoteId)
	_, err = wallet.RedeemMintQuote(ctx, quote.QuoteId)
	if !errors.Is(err, ErrQuoteExpired) {
		t.Fatalf("expected '%v' but got '%v'", ErrQuoteExpired, err)
	}
}

func TestRedeemAlreadyIssued(t *testing.T) {
	fakeMint := testutils.NewFakeMint(testutils.FakeMintOptions{})
	defer fakeMint.Close()
	wallet := testWallet(t, fakeMint.URL())
	ctx := context.Background()

	quote, err := wallet.RequestMint(ctx, 2100)
	if err != nil {
		t.Fatalf("unexpected error requesting mint: %v", err)
	}
	fakeMint.PayMintQuote(quote.QuoteId)

	// mint signs the outputs but the response is lost
	fakeMint.DropMintResponse(true)
	if _, err := wallet.RedeemMintQuote(ctx, quote.QuoteId); err == nil {
		t.Fatal("expected error but got nil")
	}
	if balance := wallet.GetBalance(); balance != 0 {
		t.Fatalf("expected '%v' but got '%v'", 0, balance)
	}
	fakeMint.DropMintResponse(false)

	amount, err := wallet.RedeemMintQuote(ctx, quote.QuoteId)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if amount != 2100 {
		t.Fatalf("expected '%v' but got '%v'", 2100, amount)
	}
	if balance := wallet.GetBalance(); balance != 2100 {
		t.Fatalf("expected '%v' but got '%v'", 2100, balance)
	}
	if fakeMint.RequestCount("/v1/restore") != 1 {
		t.Fatalf("expected signatures to be restored")
	}
}

func TestWatchMintQuote(t *testing.T) {
	fakeMint := testutils.NewFakeMint(testutils.FakeMintOptions{})
	defer fakeMint.Close()
	wallet := testWallet(t, fakeMint.URL())
	ctx := context.Background()

	quote, err := wallet.RequestMint(ctx, 500)
	if err != nil {
		t.Fatalf("unexpected error requesting mint: %v", err)
	}
	result := wallet.WatchMintQuote(ctx, quote.QuoteId)
	fakeMint.PayMintQuote(quote.QuoteId)

	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for quote")
	}
	if balance := wallet.GetBalance(); balance != 500 {
		t.Fatalf("expected '%v' but got '%v'", 500, balance)
	}
}

func TestHandleNotifications(t *testing.T) {
	fakeMint := testutils.NewFakeMint(testutils.FakeMintOptions{})
	defer fakeMint.Close()
	wallet := testWallet(t, fakeMint.URL())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quote, err := wallet.RequestMint(ctx, 10000)
	if err != nil {
		t.Fatalf("unexpected error requesting mint: %v", err)
	}
	fakeMint.PayMintQuote(quote.QuoteId)

	notifications := make(chan QuoteNotification)
	done := make(chan struct{})
	go func() {
		wallet.HandleNotifications(ctx, notifications)
		close(done)
	}()

	// the same notification delivered twice only credits once
	notifications <- QuoteNotification{QuoteId: quote.QuoteId, State: nut04.Paid}
	notifications <- QuoteNotification{QuoteId: quote.QuoteId, State: nut04.Paid}
	close(notifications)
	<-done

	if balance := wallet.GetBalance(); balance != 10000 {
		t.Fatalf("expected '%v' but got '%v'", 10000, balance)
	}
	receives := 0
	for _, tx := range wallet.Transactions() {
		if tx.Type == storage.TxReceive {
			receives++
		}
	}
	if receives != 1 {
		t.Fatalf("expected '%v' receive transactions but got '%v'", 1, receives)
	}
}

func TestSubscribeMintQuote(t *testing.T) {
	fakeMint := testutils.NewFakeMint(testutils.FakeMintOptions{})
	defer fakeMint.Close()
	wallet := testWallet(t, fakeMint.URL())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quote, err := wallet.RequestMint(ctx, 300)
	if err != nil {
		t.Fatalf("unexpected error requesting mint: %v", err)
	}
	notifications, err := wallet.SubscribeMintQuote(ctx, quote.QuoteId)
	if err != nil {
		t.Fatalf("unexpected error subscribing: %v", err)
	}
	go wallet.HandleNotifications(ctx, notifications)

	fakeMint.PayMintQuote(quote.QuoteId)
	waitFor(t, func() bool { return wallet.GetBalance() == 300 })
}

func TestCleanupPendingMints(t *testing.T) {
	fakeMint := testutils.NewFakeMint(testutils.FakeMintOptions{})
	defer fakeMint.Close()
	wallet := testWallet(t, fakeMint.URL())
	ctx := context.Background()

	expired, err := wallet.RequestMint(ctx, 100)
	if err != nil {
		t.Fatalf("unexpected error requesting mint: %v", err)
	}
	recent, err := wallet.RequestMint(ctx, 200)
	if err != nil {
		t.Fatalf("unexpected error requesting mint: %v", err)
	}
	fakeMint.ExpireMintQuote(expired.QuoteId)
	fakeMint.ExpireMintQuote(recent.QuoteId)

	record := wallet.pending.Get(expired.QuoteId)
	record.CreatedAt = time.Now().Add(-8 * 24 * time.Hour).Unix()
	if err := wallet.pending.Save(*record); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	removed, err := wallet.CleanupPendingMints(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(removed) != 1 || removed[0] != expired.QuoteId {
		t.Fatalf("expected '%v' but got '%v'", []string{expired.QuoteId}, removed)
	}
	if wallet.pending.Get(recent.QuoteId) == nil {
		t.Fatal("expected recent pending mint to be kept")
	}
}

func TestMelt(t *testing.T) {
	fakeMint := testutils.NewFakeMint(testutils.FakeMintOptions{FeeReserve: 50})
	defer fakeMint.Close()
	wallet := testWallet(t, fakeMint.URL())
	ctx := context.Background()

	fundWallet(t, wallet, fakeMint, 10000)

	invoice, err := fakeMint.Invoice(5000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result, err := wallet.Melt(ctx, invoice)
	if err != nil {
		t.Fatalf("unexpected error paying invoice: %v", err)
	}
	if result.State != nut05.Paid {
		t.Fatalf("expected '%v' but got '%v'", nut05.Paid, result.State)
	}
	if result.Preimage != testutils.FakePreimage {
		t.Fatalf("expected '%v' but got '%v'", testutils.FakePreimage, result.Preimage)
	}
	// lightning fee paid is 0 so the whole reserve comes back
	if balance := wallet.GetBalance(); balance != 5000 {
		t.Fatalf("expected '%v' but got '%v'", 5000, balance)
	}
	if len(wallet.PendingProofs()) != 0 {
		t.Fatal("expected no pending proofs")
	}

	var sent *storage.Transaction
	for _, tx := range wallet.Transactions() {
		if tx.Type == storage.TxSend {
			sent = &tx
		}
	}
	if sent == nil || sent.Amount != 5000 || sent.Status != storage.TxConfirmed || sent.QuoteId != result.QuoteId {
		t.Fatalf("unexpected transaction: %+v", sent)
	}
}

func TestMeltBalanceBelowReserve(t *testing.T) {
	fakeMint := testutils.NewFakeMint(testutils.FakeMintOptions{FeeReserve: 50})
	defer fakeMint.Close()
	wallet := testWallet(t, fakeMint.URL())
	ctx := context.Background()

	fundWallet(t, wallet, fakeMint, 5000)
	fundWallet(t, wallet, fakeMint, 20)

	invoice, _ := fakeMint.Invoice(5000)
	result, err := wallet.Melt(ctx, invoice)
	if err != nil {
		t.Fatalf("unexpected error paying invoice: %v", err)
	}
	if result.Change != 0 {
		t.Fatalf("expected '%v' but got '%v'", 0, result.Change)
	}
	if balance := wallet.GetBalance(); balance != 0 {
		t.Fatalf("expected '%v' but got '%v'", 0, balance)
	}

	found := false
	for _, tx := range wallet.Transactions() {
		if tx.Type == storage.TxSend && tx.QuoteId == result.QuoteId {
			found = true
			if tx.Amount != 5000 {
				t.Fatalf("expected '%v' but got '%v'", 5000, tx.Amount)
			}
		}
	}
	if !found {
		t.Fatal("expected send transaction for melt")
	}
}

func TestMeltInsufficientBalance(t *testing.T) {
	fakeMint := testutils.NewFakeMint(testutils.FakeMintOptions{FeeReserve: 10})
	defer fakeMint.Close()
	wallet := testWallet(t, fakeMint.URL())

	fundWallet(t, wallet, fakeMint, 100)
	invoice, _ := fakeMint.Invoice(200)
	_, err := wallet.Melt(context.Background(), invoice)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected '%v' but got '%v'", ErrInsufficientBalance, err)
	}
	if balance := wallet.GetBalance(); balance != 100 {
		t.Fatalf("expected '%v' but got '%v'", 100, balance)
	}
}

func TestMeltRequestFails(t *testing.T) {
	fakeMint := testutils.NewFakeMint(testutils.FakeMintOptions{FeeReserve: 10})
	defer fakeMint.Close()
	wallet := testWallet(t, fakeMint.URL())

	fundWallet(t, wallet, fakeMint, 1000)
	before := sortedSecrets(wallet.proofs.Spendable(""))

	fakeMint.SetMeltBehavior(testutils.MeltError)
	invoice, _ := fakeMint.Invoice(300)
	if _, err := wallet.Melt(context.Background(), invoice); err == nil {
		t.Fatal("expected error but got nil")
	}

	after := sortedSecrets(wallet.proofs.Spendable(""))
	if !slices.Equal(before, after) {
		t.Fatalf("expected proofs to be unchanged")
	}
	if len(wallet.PendingProofs()) != 0 {
		t.Fatal("expected no pending proofs")
	}
	if balance := wallet.GetBalance(); balance != 1000 {
		t.Fatalf("expected '%v' but got '%v'", 1000, balance)
	}
}

func TestMeltUnpaid(t *testing.T) {
	fakeMint := testutils.NewFakeMint(testutils.FakeMintOptions{})
	defer fakeMint.Close()
	wallet := testWallet(t, fakeMint.URL())

	fundWallet(t, wallet, fakeMint, 1000)
	fakeMint.SetMeltBehavior(testutils.MeltUnpaid)
	invoice, _ := fakeMint.Invoice(300)

	_, err := wallet.Melt(context.Background(), invoice)
	if !errors.Is(err, ErrPaymentFailed) {
		t.Fatalf("expected '%v' but got '%v'", ErrPaymentFailed, err)
	}
	if balance := wallet.GetBalance(); balance != 1000 {
		t.Fatalf("expected '%v' but got '%v'", 1000, balance)
	}
}

func TestMeltPending(t *testing.T) {
	fakeMint := testutils.NewFakeMint(testutils.FakeMintOptions{FeeReserve: 20})
	defer fakeMint.Close()
	wallet := testWallet(t, fakeMint.URL())
	ctx := context.Background()

	fundWallet(t, wallet, fakeMint, 1000)
	fakeMint.SetMeltBehavior(testutils.MeltPending)
	invoice, _ := fakeMint.Invoice(300)

	result, err := wallet.Melt(ctx, invoice)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.State != nut05.Pending {
		t.Fatalf("expected '%v' but got '%v'", nut05.Pending, result.State)
	}
	if len(wallet.PendingProofs()) == 0 {
		t.Fatal("expected pending proofs")
	}

	pendingTx := false
	for _, tx := range wallet.Transactions() {
		if tx.QuoteId == result.QuoteId && tx.Status == storage.TxPending {
			pendingTx = true
		}
	}
	if !pendingTx {
		t.Fatal("expected pending transaction for melt")
	}

	if err := fakeMint.SettleMeltQuote(result.QuoteId, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitFor(t, func() bool { return len(wallet.PendingProofs()) == 0 })
	waitFor(t, func() bool { return wallet.GetBalance() == 700 })

	for _, tx := range wallet.Transactions() {
		if tx.QuoteId == result.QuoteId && tx.Status != storage.TxConfirmed {
			t.Fatalf("expected '%v' but got '%v'", storage.TxConfirmed, tx.Status)
		}
	}
}

func TestMeltPendingFails(t *testing.T) {
	fakeMint := testutils.NewFakeMint(testutils.FakeMintOptions{})
	defer fakeMint.Close()
	wallet := testWallet(t, fakeMint.URL())

	fundWallet(t, wallet, fakeMint, 1000)
	fakeMint.SetMeltBehavior(testutils.MeltPending)
	invoice, _ := fakeMint.Invoice(300)

	result, err := wallet.Melt(context.Background(), invoice)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fakeMint.SettleMeltQuote(result.QuoteId, false)

	waitFor(t, func() bool { return wallet.GetBalance() == 1000 })
	for _, tx := range wallet.Transactions() {
		if tx.QuoteId == result.QuoteId && tx.Status != storage.TxFailed {
			t.Fatalf("expected '%v' but got '%v'", storage.TxFailed, tx.Status)
		}
	}
}

func TestMeltLightningFee(t *testing.T) {
	fakeMint := testutils.NewFakeMint(testutils.FakeMintOptions{FeeReserve: 50, LightningFee: 13})
	defer fakeMint.Close()
	wallet := testWallet(t, fakeMint.URL())

	fundWallet(t, wallet, fakeMint, 10000)

	invoice, _ := fakeMint.Invoice(5000)
	result, err := wallet.Melt(context.Background(), invoice)
	if err != nil {
		t.Fatalf("unexpected error paying invoice: %v", err)
	}
	// 8192 selected: change of 3179 needs more outputs than the 3192 overpaid
	if result.Change != 3179 {
		t.Fatalf("expected '%v' but got '%v'", 3179, result.Change)
	}
	if balance := wallet.GetBalance(); balance != 10000-5000-13 {
		t.Fatalf("expected '%v' but got '%v'", 10000-5000-13, balance)
	}
}

func TestMeltResponseLost(t *testing.T) {
	fakeMint := testutils.NewFakeMint(testutils.FakeMintOptions{FeeReserve: 50})
	defer fakeMint.Close()

	// the melt reaches the mint but the wallet gets a 502 back
	target, _ := url.Parse(fakeMint.URL())
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ModifyResponse = func(resp *http.Response) error {
		if resp.Request.URL.Path == "/v1/melt/bolt11" {
			return errors.New("connection reset")
		}
		return nil
	}
	server := httptest.NewServer(proxy)
	defer server.Close()

	wallet := testWallet(t, server.URL)
	fundWallet(t, wallet, fakeMint, 10000)

	invoice, _ := fakeMint.Invoice(5000)
	result, err := wallet.Melt(context.Background(), invoice)
	if err != nil {
		t.Fatalf("unexpected error paying invoice: %v", err)
	}
	if result.State != nut05.Paid {
		t.Fatalf("expected '%v' but got '%v'", nut05.Paid, result.State)
	}
	if result.Preimage != testutils.FakePreimage {
		t.Fatalf("expected '%v' but got '%v'", testutils.FakePreimage, result.Preimage)
	}
	if result.Change != 3192 {
		t.Fatalf("expected '%v' but got '%v'", 3192, result.Change)
	}
	if balance := wallet.GetBalance(); balance != 5000 {
		t.Fatalf("expected '%v' but got '%v'", 5000, balance)
	}
	if len(wallet.PendingProofs()) != 0 {
		t.Fatal("expected no pending proofs")
	}
}

func TestSendAndReceive(t *testing.T) {
	fakeMint := testutils.NewFakeMint(testutils.FakeMintOptions{})
	defer fakeMint.Close()
	sender := testWallet(t, fakeMint.URL())
	receiver := testWallet(t, fakeMint.URL())
	ctx := context.Background()

	fundWallet(t, sender, fakeMint, 1000)

	token, err := sender.SendToken(ctx, 300, TokenOptions{Memo: "coffee"})
	if err != nil {
		t.Fatalf("unexpected error sending: %v", err)
	}
	if balance := sender.GetBalance(); balance != 700 {
		t.Fatalf("expected '%v' but got '%v'", 700, balance)
	}

	amount, err := receiver.Receive(ctx, token)
	if err != nil {
		t.Fatalf("unexpected error receiving: %v", err)
	}
	if amount != 300 {
		t.Fatalf("expected '%v' but got '%v'", 300, amount)
	}
	if balance := receiver.GetBalance(); balance != 300 {
		t.Fatalf("expected '%v' but got '%v'", 300, balance)
	}

	decoded, _ := cashu.DecodeToken(token)
	for _, proof := range decoded.Proofs() {
		if !fakeMint.IsSpent(proof.Secret) {
			t.Fatalf("expected proofs in token to be spent")
		}
	}

	txs := receiver.Transactions()
	if len(txs) != 1 || txs[0].Memo != "coffee" || txs[0].Token != token {
		t.Fatalf("unexpected transactions: %+v", txs)
	}

	// token was already claimed
	_, err = receiver.Receive(ctx, token)
	var cashuErr cashu.Error
	if !errors.As(err, &cashuErr) || cashuErr.Code != cashu.ProofAlreadyUsedErrCode {
		t.Fatalf("expected '%v' but got '%v'", cashu.ProofAlreadyUsedErr, err)
	}
}

func TestSendExactAmount(t *testing.T) {
	fakeMint := testutils.NewFakeMint(testutils.FakeMintOptions{})
	defer fakeMint.Close()
	wallet := testWallet(t, fakeMint.URL())

	fundWallet(t, wallet, fakeMint, 96)
	proofs, err := wallet.Send(context.Background(), 64, SendOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if proofs.Amount() != 64 {
		t.Fatalf("expected '%v' but got '%v'", 64, proofs.Amount())
	}
	if count := fakeMint.RequestCount("/v1/swap"); count != 0 {
		t.Fatalf("expected no swaps but got '%v'", count)
	}
	if balance := wallet.GetBalance(); balance != 32 {
		t.Fatalf("expected '%v' but got '%v'", 32, balance)
	}
}

func TestSendWithInputFees(t *testing.T) {
	fakeMint := testutils.NewFakeMint(testutils.FakeMintOptions{InputFeePpk: 100})
	defer fakeMint.Close()
	wallet := testWallet(t, fakeMint.URL())
	ctx := context.Background()

	fundWallet(t, wallet, fakeMint, 1000)
	proofs, err := wallet.Send(ctx, 300, SendOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if proofs.Amount() != 300 {
		t.Fatalf("expected '%v' but got '%v'", 300, proofs.Amount())
	}
	// less than 10 inputs always pay a fee of 1
	if balance := wallet.GetBalance(); balance != 699 {
		t.Fatalf("expected '%v' but got '%v'", 699, balance)
	}
}

func TestSendInsufficientBalance(t *testing.T) {
	fakeMint := testutils.NewFakeMint(testutils.FakeMintOptions{})
	defer fakeMint.Close()
	wallet := testWallet(t, fakeMint.URL())

	fundWallet(t, wallet, fakeMint, 100)
	_, err := wallet.Send(context.Background(), 101, SendOptions{})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected '%v' but got '%v'", ErrInsufficientBalance, err)
	}
}

func TestSwapFeeRetry(t *testing.T) {
	fakeMint := testutils.NewFakeMint(testutils.FakeMintOptions{})
	defer fakeMint.Close()
	wallet := testWallet(t, fakeMint.URL())
	ctx := context.Background()

	fundWallet(t, wallet, fakeMint, 1000)
	fakeMint.RequireSwapFee(2, true)

	proofs, err := wallet.Send(ctx, 300, SendOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if proofs.Amount() != 300 {
		t.Fatalf("expected '%v' but got '%v'", 300, proofs.Amount())
	}
	if balance := wallet.GetBalance(); balance != 698 {
		t.Fatalf("expected '%v' but got '%v'", 698, balance)
	}
	if count := fakeMint.RequestCount("/v1/swap"); count != 2 {
		t.Fatalf("expected '%v' swaps but got '%v'", 2, count)
	}
	if hint := wallet.feeHints.Get(fakeMint.URL()); hint != 2 {
		t.Fatalf("expected '%v' but got '%v'", 2, hint)
	}

	// next swap uses the fee remembered for the mint
	if _, err := wallet.Send(ctx, 100, SendOptions{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count := fakeMint.RequestCount("/v1/swap"); count > 3 {
		t.Fatalf("expected at most '%v' swaps but got '%v'", 3, count)
	}
}

func TestSwapFeeMismatch(t *testing.T) {
	fakeMint := testutils.NewFakeMint(testutils.FakeMintOptions{})
	defer fakeMint.Close()
	wallet := testWallet(t, fakeMint.URL())

	fundWallet(t, wallet, fakeMint, 1000)
	fakeMint.RequireSwapFee(5, false)

	_, err := wallet.Send(context.Background(), 300, SendOptions{})
	if !errors.Is(err, ErrSwapFeeMismatch) {
		t.Fatalf("expected '%v' but got '%v'", ErrSwapFeeMismatch, err)
	}
	if count := fakeMint.RequestCount("/v1/swap"); count != maxSwapAttempts {
		t.Fatalf("expected '%v' swaps but got '%v'", maxSwapAttempts, count)
	}
	if balance := wallet.GetBalance(); balance != 1000 {
		t.Fatalf("expected '%v' but got '%v'", 1000, balance)
	}
}

func TestReceiveQuarantine(t *testing.T) {
	fakeMint := testutils.NewFakeMint(testutils.FakeMintOptions{})
	defer fakeMint.Close()
	wallet := testWallet(t, fakeMint.URL())
	ctx := context.Background()

	proofs, err := fakeMint.MintProofs(100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	token, _ := cashu.NewTokenV4(proofs, fakeMint.URL(), cashu.Sat, "", true)
	tokenstr, _ := token.Serialize()

	fakeMint.SetUnreachable(true)
	_, err = wallet.Receive(ctx, tokenstr)
	if !errors.Is(err, ErrMintUnreachable) {
		t.Fatalf("expected '%v' but got '%v'", ErrMintUnreachable, err)
	}
	if quarantined := wallet.QuarantinedProofs(); len(quarantined) != len(proofs) {
		t.Fatalf("expected '%v' quarantined proofs but got '%v'", len(proofs), len(quarantined))
	}
	if balance := wallet.GetBalance(); balance != 0 {
		t.Fatalf("expected '%v' but got '%v'", 0, balance)
	}

	fakeMint.SetUnreachable(false)
	claimed, err := wallet.RetryQuarantined(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claimed != 100 {
		t.Fatalf("expected '%v' but got '%v'", 100, claimed)
	}
	if quarantined := wallet.QuarantinedProofs(); len(quarantined) != 0 {
		t.Fatalf("expected no quarantined proofs but got '%v'", len(quarantined))
	}
	if balance := wallet.GetBalance(); balance != 100 {
		t.Fatalf("expected '%v' but got '%v'", 100, balance)
	}
}

func TestReceiveInvalidDLEQ(t *testing.T) {
	fakeMint := testutils.NewFakeMint(testutils.FakeMintOptions{})
	defer fakeMint.Close()
	wallet := testWallet(t, fakeMint.URL())

	proofs, err := fakeMint.MintProofs(64)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	proofs[0].DLEQ.E = proofs[0].DLEQ.S
	// V3 tokens do not carry DLEQ proofs
	token, err := cashu.NewTokenV4(proofs, fakeMint.URL(), cashu.Sat, "", true)
	if err != nil {
		t.Fatalf("unexpected error creating token: %v", err)
	}
	tokenstr, _ := token.Serialize()

	_, err = wallet.Receive(context.Background(), tokenstr)
	if !errors.Is(err, ErrInvalidDLEQ) {
		t.Fatalf("expected '%v' but got '%v'", ErrInvalidDLEQ, err)
	}
	if len(wallet.QuarantinedProofs()) != 0 {
		t.Fatal("expected proofs with invalid DLEQ to not be stored")
	}
}

func TestReceiveInvalidToken(t *testing.T) {
	fakeMint := testutils.NewFakeMint(testutils.FakeMintOptions{})
	defer fakeMint.Close()
	wallet := testWallet(t, fakeMint.URL())

	_, err := wallet.Receive(context.Background(), "cashuBnotatoken")
	if !errors.Is(err, ErrTokenFormatInvalid) {
		t.Fatalf("expected '%v' but got '%v'", ErrTokenFormatInvalid, err)
	}
}

type fakePublisher struct {
	mu     sync.Mutex
	events map[string][]nostr.Event
	fail   bool
}

func (fp *fakePublisher) Publish(ctx context.Context, relayURL string, event nostr.Event) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	if fp.fail {
		return errors.New("relay unavailable")
	}
	if fp.events == nil {
		fp.events = make(map[string][]nostr.Event)
	}
	fp.events[relayURL] = append(fp.events[relayURL], event)
	return nil
}

func TestPayPaymentRequestPost(t *testing.T) {
	fakeMint := testutils.NewFakeMint(testutils.FakeMintOptions{})
	defer fakeMint.Close()
	payer := testWallet(t, fakeMint.URL())
	receiver := testWallet(t, fakeMint.URL())
	ctx := context.Background()

	payloads := make(chan nut18.PaymentPayload, 1)
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		var payload nut18.PaymentPayload
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			return
		}
		payloads <- payload
	}))
	defer server.Close()

	request, err := receiver.CreatePaymentRequest(PaymentRequestOptions{
		Amount:      200,
		Description: "pizza",
		Transports:  []nut18.Transport{{Type: nut18.TransportPost, Target: server.URL}},
	})
	if err != nil {
		t.Fatalf("unexpected error creating request: %v", err)
	}

	fundWallet(t, payer, fakeMint, 1000)
	if err := payer.PayPaymentRequest(ctx, request, 0); err != nil {
		t.Fatalf("unexpected error paying request: %v", err)
	}
	if balance := payer.GetBalance(); balance != 800 {
		t.Fatalf("expected '%v' but got '%v'", 800, balance)
	}

	payload := <-payloads
	if payload.Memo != "pizza" {
		t.Fatalf("expected '%v' but got '%v'", "pizza", payload.Memo)
	}
	amount, err := receiver.ReceivePayload(ctx, payload)
	if err != nil {
		t.Fatalf("unexpected error receiving payload: %v", err)
	}
	if amount != 200 {
		t.Fatalf("expected '%v' but got '%v'", 200, amount)
	}
}

func TestPayPaymentRequestNostr(t *testing.T) {
	fakeMint := testutils.NewFakeMint(testutils.FakeMintOptions{})
	defer fakeMint.Close()
	ctx := context.Background()

	publisher := &fakePublisher{}
	relay := "wss://relay.example.com"
	config := testConfig(t, fakeMint.URL())
	config.Deliverer = transport.NewDispatcher(publisher, nil, testutils.DiscardLogger())
	payer := loadTestWallet(t, config)
	receiver := testWallet(t, fakeMint.URL())

	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)
	nprofile, err := nip19.EncodeProfile(pk, []string{relay})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	request, _ := receiver.CreatePaymentRequest(PaymentRequestOptions{
		Amount:     100,
		Transports: []nut18.Transport{{Type: nut18.TransportNostr, Target: nprofile}},
	})

	fundWallet(t, payer, fakeMint, 500)
	if err := payer.PayPaymentRequest(ctx, request, 0); err != nil {
		t.Fatalf("unexpected error paying request: %v", err)
	}

	events := publisher.events[relay]
	if len(events) != 1 {
		t.Fatalf("expected '%v' events but got '%v'", 1, len(events))
	}
	payload, err := transport.DecryptPayload(events[0], sk)
	if err != nil {
		t.Fatalf("unexpected error decrypting payload: %v", err)
	}
	amount, err := receiver.ReceivePayload(ctx, payload)
	if err != nil {
		t.Fatalf("unexpected error receiving payload: %v", err)
	}
	if amount != 100 {
		t.Fatalf("expected '%v' but got '%v'", 100, amount)
	}
}

func TestPayPaymentRequestDeliveryFails(t *testing.T) {
	fakeMint := testutils.NewFakeMint(testutils.FakeMintOptions{})
	defer fakeMint.Close()
	payer := testWallet(t, fakeMint.URL())

	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	request := nut18.PaymentRequest{
		Id:         "abc",
		Amount:     100,
		Unit:       "sat",
		Mints:      []string{fakeMint.URL()},
		Transports: []nut18.Transport{{Type: nut18.TransportPost, Target: server.URL}},
	}
	encoded, _ := request.Encode()

	fundWallet(t, payer, fakeMint, 500)
	err := payer.PayPaymentRequest(context.Background(), encoded, 0)
	if !errors.Is(err, ErrTransportDeliveryFailed) {
		t.Fatalf("expected '%v' but got '%v'", ErrTransportDeliveryFailed, err)
	}
	if balance := payer.GetBalance(); balance != 500 {
		t.Fatalf("expected '%v' but got '%v'", 500, balance)
	}
	for _, tx := range payer.Transactions() {
		if tx.Type == storage.TxSend {
			t.Fatalf("expected no send transaction but got %+v", tx)
		}
	}
}

func TestPayPaymentRequestMintMismatch(t *testing.T) {
	fakeMint := testutils.NewFakeMint(testutils.FakeMintOptions{})
	defer fakeMint.Close()
	payer := testWallet(t, fakeMint.URL())

	request := nut18.PaymentRequest{
		Amount:     100,
		Unit:       "sat",
		Mints:      []string{"https://othermint.example.com"},
		Transports: []nut18.Transport{{Type: nut18.TransportPost, Target: "https://example.com/pay"}},
	}
	encoded, _ := request.Encode()

	fundWallet(t, payer, fakeMint, 500)
	err := payer.PayPaymentRequest(context.Background(), encoded, 0)
	if !errors.Is(err, ErrMintMismatch) {
		t.Fatalf("expected '%v' but got '%v'", ErrMintMismatch, err)
	}
	if balance := payer.GetBalance(); balance != 500 {
		t.Fatalf("expected '%v' but got '%v'", 500, balance)
	}
}

func TestRestore(t *testing.T) {
	fakeMint := testutils.NewFakeMint(testutils.FakeMintOptions{})
	defer fakeMint.Close()
	wallet := testWallet(t, fakeMint.URL())
	receiver := testWallet(t, fakeMint.URL())
	ctx := context.Background()

	fundWallet(t, wallet, fakeMint, 1000)
	token, err := wallet.SendToken(ctx, 300, TokenOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := receiver.Receive(ctx, token); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	config := testConfig(t, fakeMint.URL())
	proofs, err := Restore(ctx, config, wallet.Mnemonic(), []string{fakeMint.URL()})
	if err != nil {
		t.Fatalf("unexpected error restoring wallet: %v", err)
	}
	if proofs.Amount() != 700 {
		t.Fatalf("expected '%v' but got '%v'", 700, proofs.Amount())
	}

	_, err = Restore(ctx, config, wallet.Mnemonic(), []string{fakeMint.URL()})
	if !errors.Is(err, ErrWalletExists) {
		t.Fatalf("expected '%v' but got '%v'", ErrWalletExists, err)
	}

	restored := loadTestWallet(t, config)
	if balance := restored.GetBalance(); balance != 700 {
		t.Fatalf("expected '%v' but got '%v'", 700, balance)
	}
	// counter was moved past the restored outputs
	fundWallet(t, restored, fakeMint, 100)
	if balance := restored.GetBalance(); balance != 800 {
		t.Fatalf("expected '%v' but got '%v'", 800, balance)
	}
}

func TestRestoreInvalidMnemonic(t *testing.T) {
	config := testConfig(t, "http://127.0.0.1:3338")
	_, err := Restore(context.Background(), config, "not a valid mnemonic", nil)
	if err == nil {
		t.Fatal("expected error but got nil")
	}
}

func TestCheckProofsState(t *testing.T) {
	fakeMint := testutils.NewFakeMint(testutils.FakeMintOptions{})
	defer fakeMint.Close()
	wallet := testWallet(t, fakeMint.URL())
	receiver := testWallet(t, fakeMint.URL())
	ctx := context.Background()

	fundWallet(t, wallet, fakeMint, 100)
	stored := wallet.proofs.Spendable("")

	// spend the proofs but keep a copy in the wallet
	token, err := wallet.SendToken(ctx, 100, TokenOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := receiver.Receive(ctx, token); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := wallet.proofs.Add(stored); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fundWallet(t, wallet, fakeMint, 50)

	removed, err := wallet.CheckProofsState(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 100 {
		t.Fatalf("expected '%v' but got '%v'", 100, removed)
	}
	if balance := wallet.GetBalance(); balance != 50 {
		t.Fatalf("expected '%v' but got '%v'", 50, balance)
	}
}

func TestLoadWalletErrorReleasesDB(t *testing.T) {
	fakeMint := testutils.NewFakeMint(testutils.FakeMintOptions{})
	defer fakeMint.Close()

	config := testConfig(t, "not a url")
	if _, err := LoadWallet(context.Background(), config); err == nil {
		t.Fatal("expected error but got nil")
	}

	// same wallet path after the failed load
	config.CurrentMintURL = fakeMint.URL()
	wallet := loadTestWallet(t, config)
	if wallet.CurrentMint() != fakeMint.URL() {
		t.Fatalf("expected '%v' but got '%v'", fakeMint.URL(), wallet.CurrentMint())
	}
}

func TestLoadWalletMintUnreachable(t *testing.T) {
	fakeMint := testutils.NewFakeMint(testutils.FakeMintOptions{})
	defer fakeMint.Close()
	config := testConfig(t, fakeMint.URL())

	fakeMint.SetUnreachable(true)
	if _, err := LoadWallet(context.Background(), config); !errors.Is(err, ErrMintUnreachable) {
		t.Fatalf("expected '%v' but got '%v'", ErrMintUnreachable, err)
	}

	fakeMint.SetUnreachable(false)
	wallet, err := LoadWallet(context.Background(), config)
	if err != nil {
		t.Fatalf("error loading wallet: %v", err)
	}
	fundWallet(t, wallet, fakeMint, 100)
	wallet.Shutdown()

	// known mint can be loaded while it is down
	fakeMint.SetUnreachable(true)
	wallet = loadTestWallet(t, config)
	if balance := wallet.GetBalance(); balance != 100 {
		t.Fatalf("expected '%v' but got '%v'", 100, balance)
	}
}

func TestKeysetRotation(t *testing.T) {
	fakeMint := testutils.NewFakeMint(testutils.FakeMintOptions{})
	defer fakeMint.Close()
	wallet := testWallet(t, fakeMint.URL())
	ctx := context.Background()

	fundWallet(t, wallet, fakeMint, 1000)
	newId := fakeMint.RotateKeyset(0)

	proofs, err := wallet.Send(ctx, 300, SendOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, proof := range proofs {
		if proof.Id != newId {
			t.Fatalf("expected '%v' but got '%v'", newId, proof.Id)
		}
	}
	if balance := wallet.GetBalance(); balance != 700 {
		t.Fatalf("expected '%v' but got '%v'", 700, balance)
	}
}
