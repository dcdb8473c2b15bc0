package lnurl

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/elnosh/nutsack/testutils"
)

func TestAddressURL(t *testing.T) {
	tests := []struct {
		address     string
		expected    string
		expectedErr error
	}{
		{"alice@example.com", "https://example.com/.well-known/lnurlp/alice", nil},
		{"Alice@Example.com", "https://example.com/.well-known/lnurlp/alice", nil},
		{"bob@127.0.0.1:8080", "http://127.0.0.1:8080/.well-known/lnurlp/bob", nil},
		{"carol@abcdef.onion", "http://abcdef.onion/.well-known/lnurlp/carol", nil},
		{"example.com", "", ErrInvalidAddress},
		{"@example.com", "", ErrInvalidAddress},
		{"alice@", "", ErrInvalidAddress},
		{"a@b@c", "", ErrInvalidAddress},
	}

	for _, test := range tests {
		addressURL, err := AddressURL(test.address)
		if !errors.Is(err, test.expectedErr) {
			t.Fatalf("expected '%v' but got '%v'", test.expectedErr, err)
		}
		if addressURL != test.expected {
			t.Fatalf("expected '%v' but got '%v'", test.expected, addressURL)
		}
	}
}

type lnurlServer struct {
	server      *httptest.Server
	minSendable uint64
	maxSendable uint64
	// amount of the invoice returned differs from the one requested
	wrongAmount bool
}

func newLnurlServer(t *testing.T) *lnurlServer {
	ls := &lnurlServer{minSendable: 1000, maxSendable: 100_000_000}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/lnurlp/alice", func(rw http.ResponseWriter, req *http.Request) {
		json.NewEncoder(rw).Encode(PayParams{
			Callback:    ls.server.URL + "/callback?user=alice",
			MinSendable: ls.minSendable,
			MaxSendable: ls.maxSendable,
			Metadata:    `[["text/plain","pay alice"]]`,
			Tag:         "payRequest",
		})
	})
	mux.HandleFunc("/.well-known/lnurlp/closed", func(rw http.ResponseWriter, req *http.Request) {
		json.NewEncoder(rw).Encode(PayParams{Status: "ERROR", Reason: "account closed"})
	})
	mux.HandleFunc("/callback", func(rw http.ResponseWriter, req *http.Request) {
		if req.URL.Query().Get("user") != "alice" {
			rw.WriteHeader(http.StatusBadRequest)
			return
		}
		msat, err := strconv.ParseUint(req.URL.Query().Get("amount"), 10, 64)
		if err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			return
		}
		amount := msat / 1000
		if ls.wrongAmount {
			amount++
		}
		invoice, _, _, err := testutils.CreateFakeInvoice(amount)
		if err != nil {
			rw.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(rw).Encode(invoiceResponse{PR: invoice})
	})
	ls.server = httptest.NewServer(mux)
	t.Cleanup(ls.server.Close)
	return ls
}

func (ls *lnurlServer) address(name string) string {
	return name + "@" + strings.TrimPrefix(ls.server.URL, "http://")
}

func TestFetchInvoice(t *testing.T) {
	ls := newLnurlServer(t)
	ctx := context.Background()

	invoice, err := FetchInvoice(ctx, ls.address("alice"), 2100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(invoice) == 0 {
		t.Fatal("expected invoice")
	}

	_, err = FetchInvoice(ctx, ls.address("alice"), 200_000)
	if !errors.Is(err, ErrAmountOutOfRange) {
		t.Fatalf("expected '%v' but got '%v'", ErrAmountOutOfRange, err)
	}

	ls.wrongAmount = true
	if _, err := FetchInvoice(ctx, ls.address("alice"), 2100); err == nil {
		t.Fatal("expected error for invoice with different amount")
	}
}

func TestGetPayParamsErrors(t *testing.T) {
	ls := newLnurlServer(t)
	ctx := context.Background()

	_, err := GetPayParams(ctx, ls.address("closed"))
	if err == nil || !strings.Contains(err.Error(), "account closed") {
		t.Fatalf("expected error with reason but got '%v'", err)
	}

	if _, err := GetPayParams(ctx, ls.address("unknown")); err == nil {
		t.Fatal("expected error for unknown address")
	}

	params, err := GetPayParams(ctx, ls.address("alice"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if params.MinSendable != 1000 {
		t.Fatalf("expected '%v' but got '%v'", 1000, params.MinSendable)
	}
}
