// Package nut18 implements payment requests as defined in [NUT-18]
//
// [NUT-18]: https://github.com/cashubtc/nuts/blob/main/18.md
package nut18

import (
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/elnosh/nutsack/cashu"
	"github.com/fxamacker/cbor/v2"
)

const (
	PaymentRequestPrefix = "creq"
	PaymentRequestV1     = "A"

	TransportPost  = "post"
	TransportNostr = "nostr"
)

var ErrInvalidPaymentRequest = errors.New("invalid payment request")

type PaymentRequest struct {
	Id          string      `json:"i,omitempty" cbor:"i,omitempty"`
	Amount      uint64      `json:"a,omitempty" cbor:"a,omitempty"`
	Unit        string      `json:"u,omitempty" cbor:"u,omitempty"`
	SingleUse   bool        `json:"s,omitempty" cbor:"s,omitempty"`
	Mints       []string    `json:"m,omitempty" cbor:"m,omitempty"`
	Description string      `json:"d,omitempty" cbor:"d,omitempty"`
	Transports  []Transport `json:"t,omitempty" cbor:"t,omitempty"`
}

// Transport is a channel through which the payee wants to receive the payment.
// Target is a URL for post and an nprofile for nostr.
type Transport struct {
	Type   string     `json:"t" cbor:"t"`
	Target string     `json:"a" cbor:"a"`
	Tags   [][]string `json:"g,omitempty" cbor:"g,omitempty"`
}

func (p PaymentRequest) Encode() (string, error) {
	requestBytes, err := cbor.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("cbor.Marshal: %v", err)
	}

	return PaymentRequestPrefix + PaymentRequestV1 + base64.URLEncoding.EncodeToString(requestBytes), nil
}

func Decode(request string) (PaymentRequest, error) {
	request = strings.TrimSpace(request)
	prefix := PaymentRequestPrefix + PaymentRequestV1
	if !strings.HasPrefix(request, prefix) {
		return PaymentRequest{}, fmt.Errorf("%w: missing prefix", ErrInvalidPaymentRequest)
	}

	encoded := strings.TrimRight(request[len(prefix):], "=")
	requestBytes, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return PaymentRequest{}, fmt.Errorf("%w: %v", ErrInvalidPaymentRequest, err)
	}

	var paymentRequest PaymentRequest
	if err := cbor.Unmarshal(requestBytes, &paymentRequest); err != nil {
		return PaymentRequest{}, fmt.Errorf("%w: %v", ErrInvalidPaymentRequest, err)
	}

	return paymentRequest, nil
}

// Equal compares two requests treating nil and empty lists as the same.
func (p PaymentRequest) Equal(other PaymentRequest) bool {
	if p.Id != other.Id || p.Amount != other.Amount || p.Unit != other.Unit ||
		p.SingleUse != other.SingleUse || p.Description != other.Description {
		return false
	}
	if !slices.Equal(p.Mints, other.Mints) {
		return false
	}
	return slices.EqualFunc(p.Transports, other.Transports, func(t1, t2 Transport) bool {
		return t1.Type == t2.Type && t1.Target == t2.Target &&
			slices.EqualFunc(t1.Tags, t2.Tags, slices.Equal)
	})
}

// AcceptsMint reports whether proofs from mint can pay the request.
// A request without mints accepts any mint.
func (p PaymentRequest) AcceptsMint(mint string) bool {
	if len(p.Mints) == 0 {
		return true
	}
	mint = strings.TrimSuffix(mint, "/")
	for _, m := range p.Mints {
		if strings.TrimSuffix(m, "/") == mint {
			return true
		}
	}
	return false
}

// TransportsOfType returns the transports of the request with the given type in order.
func (p PaymentRequest) TransportsOfType(transportType string) []Transport {
	transports := []Transport{}
	for _, transport := range p.Transports {
		if strings.EqualFold(transport.Type, transportType) {
			transports = append(transports, transport)
		}
	}
	return transports
}

// PaymentPayload is sent to the payee through one of the request transports.
type PaymentPayload struct {
	Id     string       `json:"id,omitempty"`
	Memo   string       `json:"memo,omitempty"`
	Mint   string       `json:"mint"`
	Unit   string       `json:"unit"`
	Proofs cashu.Proofs `json:"proofs"`
}

func NewPaymentPayload(request PaymentRequest, mint, memo string, proofs cashu.Proofs) PaymentPayload {
	unit := request.Unit
	if unit == "" {
		unit = cashu.Sat.String()
	}
	return PaymentPayload{
		Id:     request.Id,
		Memo:   memo,
		Mint:   mint,
		Unit:   unit,
		Proofs: proofs.Normalized(),
	}
}
