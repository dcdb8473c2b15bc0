// Package nut05 contains structs as defined in [NUT-05]
//
// [NUT-05]: https://github.com/cashubtc/nuts/blob/main/05.md
package nut05

import (
	"encoding/json"

	"github.com/elnosh/nutsack/cashu"
)

type State int

const (
	Unpaid State = iota
	Pending
	Paid
	Unknown
)

func (state State) String() string {
	switch state {
	case Unpaid:
		return "UNPAID"
	case Pending:
		return "PENDING"
	case Paid:
		return "PAID"
	default:
		return "unknown"
	}
}

func StringToState(state string) State {
	switch state {
	case "UNPAID":
		return Unpaid
	case "PENDING":
		return Pending
	case "PAID":
		return Paid
	}
	return Unknown
}

type PostMeltQuoteBolt11Request struct {
	Request string `json:"request"`
	Unit    string `json:"unit"`
}

type PostMeltQuoteBolt11Response struct {
	Quote      string                  `json:"quote"`
	Amount     uint64                  `json:"amount"`
	FeeReserve uint64                  `json:"fee_reserve"`
	State      State                   `json:"state"`
	Expiry     int64                   `json:"expiry"`
	Preimage   string                  `json:"payment_preimage,omitempty"`
	Change     cashu.BlindedSignatures `json:"change,omitempty"`
}

type tempQuote struct {
	Quote      string                  `json:"quote"`
	Amount     uint64                  `json:"amount"`
	FeeReserve uint64                  `json:"fee_reserve"`
	Paid       bool                    `json:"paid"`
	State      string                  `json:"state"`
	Expiry     int64                   `json:"expiry"`
	Preimage   string                  `json:"payment_preimage,omitempty"`
	Change     cashu.BlindedSignatures `json:"change,omitempty"`
}

func (quoteResponse PostMeltQuoteBolt11Response) MarshalJSON() ([]byte, error) {
	tempQuote := tempQuote{
		Quote:      quoteResponse.Quote,
		Amount:     quoteResponse.Amount,
		FeeReserve: quoteResponse.FeeReserve,
		Paid:       quoteResponse.State == Paid,
		State:      quoteResponse.State.String(),
		Expiry:     quoteResponse.Expiry,
		Preimage:   quoteResponse.Preimage,
		Change:     quoteResponse.Change,
	}
	return json.Marshal(tempQuote)
}

func (quoteResponse *PostMeltQuoteBolt11Response) UnmarshalJSON(data []byte) error {
	var tempQuote tempQuote
	if err := json.Unmarshal(data, &tempQuote); err != nil {
		return err
	}

	quoteResponse.Quote = tempQuote.Quote
	quoteResponse.Amount = tempQuote.Amount
	quoteResponse.FeeReserve = tempQuote.FeeReserve
	quoteResponse.Expiry = tempQuote.Expiry
	quoteResponse.Preimage = tempQuote.Preimage
	quoteResponse.Change = tempQuote.Change
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

// PostMeltBolt11Request carries optional blank outputs
// the mint can use to return overpaid fees as change.
type PostMeltBolt11Request struct {
	Quote   string                `json:"quote"`
	Inputs  cashu.Proofs          `json:"inputs"`
	Outputs cashu.BlindedMessages `json:"outputs,omitempty"`
}
