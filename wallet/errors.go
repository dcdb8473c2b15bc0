package wallet

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/elnosh/nutsack/cashu"
	"github.com/elnosh/nutsack/wallet/client"
	"github.com/elnosh/nutsack/wallet/transport"
)

var (
	ErrInsufficientBalance      = errors.New("not enough funds")
	ErrMintUnreachable          = client.ErrMintUnreachable
	ErrQuoteExpired             = errors.New("quote expired")
	ErrQuoteNotPaid             = errors.New("quote has not been paid")
	ErrAlreadyPaid              = errors.New("invoice already paid")
	ErrInvalidInvoice           = errors.New("invalid invoice")
	ErrMissingRedemptionContext = errors.New("no outputs stored for quote")
	ErrRedeemInProgress         = errors.New("quote is already being redeemed")
	ErrSwapFeeMismatch          = errors.New("mint did not accept the fees for swap")
	ErrTransportDeliveryFailed  = transport.ErrDeliveryFailed
	ErrTokenFormatInvalid       = errors.New("invalid token")
	ErrMintMismatch             = errors.New("payment request does not accept proofs from current mint")
	ErrPollTimeout              = errors.New("timed out waiting for quote")
	ErrInvalidDLEQ              = errors.New("invalid DLEQ proof")
	ErrPaymentFailed            = errors.New("lightning payment failed")
)

// mintError wraps errors returned by the mint with the matching wallet error.
// Both the wallet error and the cashu.Error can be checked with errors.Is/As.
func mintError(err error) error {
	var cashuErr cashu.Error
	if !errors.As(err, &cashuErr) {
		return err
	}

	switch cashuErr.Code {
	case cashu.QuoteExpiredErrCode:
		return fmt.Errorf("%w: %w", ErrQuoteExpired, err)
	case cashu.MintQuoteRequestNotPaidErrCode:
		return fmt.Errorf("%w: %w", ErrQuoteNotPaid, err)
	case cashu.MeltQuoteAlreadyPaidErrCode:
		return fmt.Errorf("%w: %w", ErrAlreadyPaid, err)
	case cashu.InsufficientProofAmountErrCode:
		return fmt.Errorf("%w: %w", ErrSwapFeeMismatch, err)
	}
	return err
}

// a 0x prefixed hex string or a hex string with at least one digit,
// so words like "bad" or "face" are still shown as they are
var bareDetail = regexp.MustCompile(`^(0[xX][0-9a-fA-F]+|[0-9a-fA-F]*[0-9][0-9a-fA-F]*)$`)

// isBareDetail reports whether the detail of a mint error says nothing
// to a user and should be replaced by a message for its code.
func isBareDetail(detail string) bool {
	detail = strings.TrimSpace(detail)
	return detail == "" || bareDetail.MatchString(detail)
}

// UserMessage returns a message for err that can be shown to a user.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var cashuErr cashu.Error
	hasCode := errors.As(err, &cashuErr)

	var message string
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		message = "not enough funds"
	case errors.Is(err, ErrMintUnreachable):
		message = "could not reach the mint. Try again later"
	case errors.Is(err, ErrQuoteExpired):
		message = "the quote has expired"
	case errors.Is(err, ErrQuoteNotPaid):
		message = "the invoice has not been paid yet"
	case errors.Is(err, ErrAlreadyPaid):
		message = "the invoice was already paid"
	case errors.Is(err, ErrInvalidInvoice):
		message = "invalid lightning invoice"
	case errors.Is(err, ErrMissingRedemptionContext):
		message = "no pending mint found for the quote"
	case errors.Is(err, ErrSwapFeeMismatch):
		message = "the mint rejected the fees for the transaction"
	case errors.Is(err, ErrTransportDeliveryFailed):
		message = "could not deliver the payment to the receiver"
	case errors.Is(err, ErrTokenFormatInvalid):
		message = "invalid ecash token"
	case errors.Is(err, ErrMintMismatch):
		message = "the payment request does not accept ecash from this mint"
	case errors.Is(err, ErrPollTimeout):
		message = "timed out waiting for the quote to be paid"
	case errors.Is(err, ErrInvalidDLEQ):
		message = "the token has an invalid signature proof"
	case errors.Is(err, ErrPaymentFailed):
		message = "the lightning payment failed"
	case hasCode:
		if isBareDetail(cashuErr.Detail) {
			return fmt.Sprintf("the mint returned an error (code %d)", cashuErr.Code)
		}
		return cashuErr.Detail
	default:
		return err.Error()
	}

	if hasCode {
		if isBareDetail(cashuErr.Detail) {
			return fmt.Sprintf("%s (code %d)", message, cashuErr.Code)
		}
		return fmt.Sprintf("%s: %s", message, cashuErr.Detail)
	}
	return message
}
