package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/elnosh/nutsack/cashu"
	"github.com/elnosh/nutsack/cashu/nuts/nut04"
	"github.com/elnosh/nutsack/cashu/nuts/nut05"
)

func TestPostMintQuoteBolt11(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost || req.URL.Path != "/v1/mint/quote/bolt11" {
			rw.WriteHeader(http.StatusNotFound)
			return
		}
		var request nut04.PostMintQuoteBolt11Request
		if err := json.NewDecoder(req.Body).Decode(&request); err != nil {
			rw.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(rw).Encode(nut04.PostMintQuoteBolt11Response{
			Quote:   "quote123",
			Request: "lnbc",
			State:   nut04.Unpaid,
			Expiry:  int64(request.Amount),
		})
	}))
	defer server.Close()

	quote, err := PostMintQuoteBolt11(context.Background(), server.URL, nut04.PostMintQuoteBolt11Request{Amount: 21, Unit: "sat"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if quote.Quote != "quote123" {
		t.Fatalf("expected quote '%v' but got '%v'", "quote123", quote.Quote)
	}
	if quote.State != nut04.Unpaid {
		t.Fatalf("expected state '%v' but got '%v'", nut04.Unpaid, quote.State)
	}
	if quote.Expiry != 21 {
		t.Fatalf("expected expiry '%v' but got '%v'", 21, quote.Expiry)
	}
}

func TestMintErrorResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(rw).Encode(cashu.Error{Detail: "quote already paid", Code: cashu.MeltQuoteAlreadyPaidErrCode})
	}))
	defer server.Close()

	_, err := GetMeltQuoteState(context.Background(), server.URL, "abc")
	var cashuErr cashu.Error
	if !errors.As(err, &cashuErr) {
		t.Fatalf("expected cashu.Error but got '%v'", err)
	}
	if cashuErr.Code != cashu.MeltQuoteAlreadyPaidErrCode {
		t.Fatalf("expected code '%v' but got '%v'", cashu.MeltQuoteAlreadyPaidErrCode, cashuErr.Code)
	}
	if errors.Is(err, ErrMintUnreachable) {
		t.Fatalf("mint error should not be reported as unreachable")
	}
}

func TestMintUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := PostMeltQuoteBolt11(context.Background(), url, nut05.PostMeltQuoteBolt11Request{Request: "lnbc", Unit: "sat"})
	if !errors.Is(err, ErrMintUnreachable) {
		t.Fatalf("expected '%v' but got '%v'", ErrMintUnreachable, err)
	}

	gateway := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.WriteHeader(http.StatusBadGateway)
	}))
	defer gateway.Close()

	_, err = GetMintInfo(context.Background(), gateway.URL)
	if !errors.Is(err, ErrMintUnreachable) {
		t.Fatalf("expected '%v' but got '%v'", ErrMintUnreachable, err)
	}
}

func TestContextCanceled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		<-req.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := GetAllKeysets(ctx, server.URL)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected '%v' but got '%v'", context.Canceled, err)
	}
}
