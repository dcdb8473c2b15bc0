package wallet

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/elnosh/nutsack/wallet/storage"
)

const maxSwapAttempts = 3

// FeeHints remembers the fee each mint asked for in previous swaps.
type FeeHints struct {
	db storage.DB
}

func NewFeeHints(db storage.DB) *FeeHints {
	return &FeeHints{db: db}
}

func (fh *FeeHints) Get(mintURL string) uint64 {
	hint, ok := fh.db.GetFeeHint(mintKey(mintURL))
	if !ok {
		return 0
	}
	return hint.FeeReserve
}

func (fh *FeeHints) Set(mintURL string, fee uint64) error {
	return fh.db.SaveFeeHint(storage.FeeHint{MintKey: mintKey(mintURL), FeeReserve: fee})
}

// mintKey normalizes the mint url to its lowercase host.
func mintKey(mintURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(mintURL))
	if err != nil || parsed.Host == "" {
		return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(mintURL), "/"))
	}
	return strings.ToLower(parsed.Host)
}

var feeInDetail = regexp.MustCompile(`(?i)fee[^0-9]*([0-9]+)`)

// parseDisclosedFee reads the fee from an error detail
// like "inputs (10) - fee (2) vs outputs (9)".
func parseDisclosedFee(detail string) (uint64, bool) {
	match := feeInDetail.FindStringSubmatch(detail)
	if len(match) < 2 {
		return 0, false
	}
	fee, err := strconv.ParseUint(match[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return fee, true
}
