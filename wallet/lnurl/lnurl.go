// Package lnurl resolves lightning addresses (LUD-16) to invoices
// using the LNURL-pay flow (LUD-06).
package lnurl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lnwire"
	decodepay "github.com/nbd-wtf/ln-decodepay"
)

var (
	ErrInvalidAddress   = errors.New("invalid lightning address")
	ErrAmountOutOfRange = errors.New("amount is outside of the range accepted")
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

type PayParams struct {
	Callback    string `json:"callback"`
	MinSendable uint64 `json:"minSendable"`
	MaxSendable uint64 `json:"maxSendable"`
	Metadata    string `json:"metadata"`
	Tag         string `json:"tag"`
	Status      string `json:"status,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type invoiceResponse struct {
	PR     string `json:"pr"`
	Status string `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// AddressURL returns the url of the pay params for an address name@host.
func AddressURL(address string) (string, error) {
	name, host, ok := strings.Cut(strings.TrimSpace(address), "@")
	if !ok || len(name) == 0 || len(host) == 0 || strings.Contains(host, "@") {
		return "", ErrInvalidAddress
	}

	scheme := "https"
	if strings.HasPrefix(host, "localhost") || strings.HasPrefix(host, "127.0.0.1") ||
		strings.HasSuffix(host, ".onion") {
		scheme = "http"
	}

	addressURL := url.URL{
		Scheme: scheme,
		Host:   strings.ToLower(host),
		Path:   "/.well-known/lnurlp/" + strings.ToLower(name),
	}
	return addressURL.String(), nil
}

func GetPayParams(ctx context.Context, address string) (*PayParams, error) {
	addressURL, err := AddressURL(address)
	if err != nil {
		return nil, err
	}

	var params PayParams
	if err := getJSON(ctx, addressURL, &params); err != nil {
		return nil, err
	}
	if strings.EqualFold(params.Status, "ERROR") {
		return nil, fmt.Errorf("lnurl error: %v", params.Reason)
	}
	if params.Tag != "payRequest" || len(params.Callback) == 0 {
		return nil, fmt.Errorf("%w: address does not support lnurl-pay", ErrInvalidAddress)
	}

	return &params, nil
}

// FetchInvoice gets an invoice for amount (in sats) from the lightning address.
func FetchInvoice(ctx context.Context, address string, amount uint64) (string, error) {
	params, err := GetPayParams(ctx, address)
	if err != nil {
		return "", err
	}

	msat := lnwire.NewMSatFromSatoshis(btcutil.Amount(amount))
	if uint64(msat) < params.MinSendable || (params.MaxSendable > 0 && uint64(msat) > params.MaxSendable) {
		return "", fmt.Errorf("%w: [%v, %v] msat", ErrAmountOutOfRange, params.MinSendable, params.MaxSendable)
	}

	callbackURL, err := url.Parse(params.Callback)
	if err != nil {
		return "", fmt.Errorf("invalid callback url: %v", err)
	}
	query := callbackURL.Query()
	query.Set("amount", strconv.FormatUint(uint64(msat), 10))
	callbackURL.RawQuery = query.Encode()

	var response invoiceResponse
	if err := getJSON(ctx, callbackURL.String(), &response); err != nil {
		return "", err
	}
	if strings.EqualFold(response.Status, "ERROR") {
		return "", fmt.Errorf("lnurl error: %v", response.Reason)
	}

	invoice, err := decodepay.Decodepay(response.PR)
	if err != nil {
		return "", fmt.Errorf("invalid invoice from lnurl callback: %v", err)
	}
	if invoice.MSatoshi != int64(msat) {
		return "", fmt.Errorf("invoice amount %v msat does not match requested %v", invoice.MSatoshi, msat)
	}

	return response.PR, nil
}

func getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("lnurl request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("lnurl server returned status %v: %s", resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid lnurl response: %v", err)
	}
	return nil
}
