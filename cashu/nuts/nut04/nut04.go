// Package nut04 contains structs as defined in [NUT-04]
//
// [NUT-04]: https://github.com/cashubtc/nuts/blob/main/04.md
package nut04

import (
	"encoding/json"

	"github.com/elnosh/nutsack/cashu"
)

type State int

const (
	Unpaid State = iota
	Paid
	Issued
	Unknown
)

func (state State) String() string {
	switch state {
	case Unpaid:
		return "UNPAID"
	case Paid:
		return "PAID"
	case Issued:
		return "ISSUED"
	default:
		return "unknown"
	}
}

func StringToState(state string) State {
	switch state {
	case "UNPAID":
		return Unpaid
	case "PAID":
		return Paid
	case "ISSUED":
		return Issued
	}
	return Unknown
}

type PostMintQuoteBolt11Request struct {
	Amount uint64 `json:"amount"`
	Unit   string `json:"unit"`
}

type PostMintQuoteBolt11Response struct {
	Quote   string `json:"quote"`
	Request string `json:"request"`
	State   State  `json:"state"`
	Expiry  int64  `json:"expiry"`
}

type tempQuote struct {
	Quote   string `json:"quote"`
	Request string `json:"request"`
	Paid    bool   `json:"paid"`
	State   string `json:"state"`
	Expiry  int64  `json:"expiry"`
}

func (quoteResponse PostMintQuoteBolt11Response) MarshalJSON() ([]byte, error) {
	tempQuote := tempQuote{
		Quote:   quoteResponse.Quote,
		Request: quoteResponse.Request,
		Paid:    quoteResponse.State == Paid || quoteResponse.State == Issued,
		State:   quoteResponse.State.String(),
		Expiry:  quoteResponse.Expiry,
	}
	return json.Marshal(tempQuote)
}

// UnmarshalJSON falls back to the deprecated paid field
// for mints that do not send the quote state.
func (quoteResponse *PostMintQuoteBolt11Response) UnmarshalJSON(data []byte) error {
	var tempQuote tempQuote
	if err := json.Unmarshal(data, &tempQuote); err != nil {
		return err
	}

	quoteResponse.Quote = tempQuote.Quote
	quoteResponse.Request = tempQuote.Request
	quoteResponse.Expiry = tempQuote.Expiry
	if tempQuote.State == "" {
		if tempQuote.Paid {
			quoteResponse.State = Paid
		} else {
			quoteResponse.State = Unpaid
		}
	} else {
		quoteResponse.State = StringToState(tempQuote.State)
	}

	return nil
}

type PostMintBolt11Request struct {
	Quote   string                `json:"quote"`
	Outputs cashu.BlindedMessages `json:"outputs"`
}

type PostMintBolt11Response struct {
	Signatures cashu.BlindedSignatures `json:"signatures"`
}
