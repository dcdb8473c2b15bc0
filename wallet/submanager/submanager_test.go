package submanager

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/elnosh/nutsack/cashu/nuts/nut04"
	"github.com/elnosh/nutsack/cashu/nuts/nut17"
	"github.com/elnosh/nutsack/testutils"
	"github.com/elnosh/nutsack/wallet/client"
)

func readQuote(t *testing.T, sub *Subscription) nut04.PostMintQuoteBolt11Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	notification, err := sub.Read(ctx)
	if err != nil {
		t.Fatalf("unexpected error reading notification: %v", err)
	}
	if notification.Params.SubId != sub.SubId() {
		t.Fatalf("expected '%v' but got '%v'", sub.SubId(), notification.Params.SubId)
	}
	var quote nut04.PostMintQuoteBolt11Response
	if err := json.Unmarshal(notification.Params.Payload, &quote); err != nil {
		t.Fatalf("invalid payload: %v", err)
	}
	return quote
}

func TestSubscribeMintQuote(t *testing.T) {
	fakeMint := testutils.NewFakeMint(testutils.FakeMintOptions{})
	defer fakeMint.Close()
	ctx := context.Background()

	manager, err := NewSubscriptionManager(ctx, fakeMint.URL(), testutils.DiscardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer manager.Close()

	if !manager.IsSubscriptionKindSupported(nut17.Bolt11MintQuote) {
		t.Fatal("expected mint quote subscriptions to be supported")
	}
	if manager.IsSubscriptionKindSupported(nut17.ProofState) {
		t.Fatal("expected proof state subscriptions to not be supported")
	}
	if _, err := manager.Subscribe(ctx, nut17.ProofState, []string{"Y"}); err == nil {
		t.Fatal("expected error subscribing to unsupported kind")
	}

	quote, err := client.PostMintQuoteBolt11(ctx, fakeMint.URL(), nut04.PostMintQuoteBolt11Request{Amount: 100, Unit: "sat"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sub, err := manager.Subscribe(ctx, nut17.Bolt11MintQuote, []string{quote.Quote})
	if err != nil {
		t.Fatalf("unexpected error subscribing: %v", err)
	}
	if _, err := manager.Subscribe(ctx, nut17.Bolt11MintQuote, []string{quote.Quote}); err == nil {
		t.Fatal("expected error subscribing twice")
	}

	// current state is sent after subscribing
	current := readQuote(t, sub)
	if current.Quote != quote.Quote || current.State != nut04.Unpaid {
		t.Fatalf("expected '%v' but got '%v'", nut04.Unpaid, current.State)
	}

	if err := fakeMint.PayMintQuote(quote.Quote); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	paid := readQuote(t, sub)
	if paid.State != nut04.Paid {
		t.Fatalf("expected '%v' but got '%v'", nut04.Paid, paid.State)
	}

	if err := manager.Unsubscribe(ctx, sub.SubId()); err != nil {
		t.Fatalf("unexpected error unsubscribing: %v", err)
	}
	if _, ok := <-sub.Notifications(); ok {
		t.Fatal("expected notifications channel to be closed")
	}
	if err := manager.Unsubscribe(ctx, sub.SubId()); err == nil {
		t.Fatal("expected error unsubscribing twice")
	}
}

func TestSubscribeEmptyFilters(t *testing.T) {
	fakeMint := testutils.NewFakeMint(testutils.FakeMintOptions{})
	defer fakeMint.Close()

	manager, err := NewSubscriptionManager(context.Background(), fakeMint.URL(), testutils.DiscardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer manager.Close()

	if _, err := manager.Subscribe(context.Background(), nut17.Bolt11MintQuote, nil); err == nil {
		t.Fatal("expected error with empty filters")
	}
}

func TestWebsocketNotSupported(t *testing.T) {
	fakeMint := testutils.NewFakeMint(testutils.FakeMintOptions{NoWebsocket: true})
	defer fakeMint.Close()

	_, err := NewSubscriptionManager(context.Background(), fakeMint.URL(), testutils.DiscardLogger())
	if !errors.Is(err, ErrNUT17NotSupported) {
		t.Fatalf("expected '%v' but got '%v'", ErrNUT17NotSupported, err)
	}
}

func TestConnectionClosed(t *testing.T) {
	fakeMint := testutils.NewFakeMint(testutils.FakeMintOptions{})
	defer fakeMint.Close()
	ctx := context.Background()

	manager, err := NewSubscriptionManager(ctx, fakeMint.URL(), testutils.DiscardLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sub, err := manager.Subscribe(ctx, nut17.Bolt11MintQuote, []string{"somequote"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	manager.Close()
	select {
	case <-manager.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for connection to close")
	}

	// notifications channel gets closed with the connection
	for range sub.Notifications() {
	}
	if _, err := manager.Subscribe(ctx, nut17.Bolt11MintQuote, []string{"otherquote"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected '%v' but got '%v'", ErrClosed, err)
	}
}

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		mint     string
		expected string
	}{
		{"https://mint.example.com", "wss://mint.example.com/v1/ws"},
		{"http://127.0.0.1:3338", "ws://127.0.0.1:3338/v1/ws"},
		{"https://mint.example.com/cashu/", "wss://mint.example.com/cashu/v1/ws"},
	}

	for _, test := range tests {
		wsURL, err := websocketURL(test.mint)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if wsURL != test.expected {
			t.Fatalf("expected '%v' but got '%v'", test.expected, wsURL)
		}
	}
}
