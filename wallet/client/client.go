// Package client has the calls to the endpoints of a mint.
// Network failures are wrapped with ErrMintUnreachable and errors
// returned by the mint are decoded into a cashu.Error.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/elnosh/nutsack/cashu"
	"github.com/elnosh/nutsack/cashu/nuts/nut01"
	"github.com/elnosh/nutsack/cashu/nuts/nut02"
	"github.com/elnosh/nutsack/cashu/nuts/nut03"
	"github.com/elnosh/nutsack/cashu/nuts/nut04"
	"github.com/elnosh/nutsack/cashu/nuts/nut05"
	"github.com/elnosh/nutsack/cashu/nuts/nut06"
	"github.com/elnosh/nutsack/cashu/nuts/nut07"
	"github.com/elnosh/nutsack/cashu/nuts/nut09"
)

var ErrMintUnreachable = errors.New("mint unreachable")

var httpClient = &http.Client{Timeout: 60 * time.Second}

func GetMintInfo(ctx context.Context, mintURL string) (*nut06.MintInfo, error) {
	return get[nut06.MintInfo](ctx, mintURL+"/v1/info")
}

func GetActiveKeysets(ctx context.Context, mintURL string) (*nut01.GetKeysResponse, error) {
	return get[nut01.GetKeysResponse](ctx, mintURL+"/v1/keys")
}

func GetAllKeysets(ctx context.Context, mintURL string) (*nut02.GetKeysetsResponse, error) {
	return get[nut02.GetKeysetsResponse](ctx, mintURL+"/v1/keysets")
}

func GetKeysetById(ctx context.Context, mintURL, id string) (*nut01.GetKeysResponse, error) {
	return get[nut01.GetKeysResponse](ctx, mintURL+"/v1/keys/"+id)
}

func PostMintQuoteBolt11(
	ctx context.Context,
	mintURL string,
	mintQuoteRequest nut04.PostMintQuoteBolt11Request,
) (*nut04.PostMintQuoteBolt11Response, error) {
	return post[nut04.PostMintQuoteBolt11Response](ctx, mintURL+"/v1/mint/quote/bolt11", mintQuoteRequest)
}

func GetMintQuoteState(ctx context.Context, mintURL, quoteId string) (*nut04.PostMintQuoteBolt11Response, error) {
	return get[nut04.PostMintQuoteBolt11Response](ctx, mintURL+"/v1/mint/quote/bolt11/"+quoteId)
}

func PostMintBolt11(
	ctx context.Context,
	mintURL string,
	mintRequest nut04.PostMintBolt11Request,
) (*nut04.PostMintBolt11Response, error) {
	return post[nut04.PostMintBolt11Response](ctx, mintURL+"/v1/mint/bolt11", mintRequest)
}

func PostSwap(ctx context.Context, mintURL string, swapRequest nut03.PostSwapRequest) (*nut03.PostSwapResponse, error) {
	return post[nut03.PostSwapResponse](ctx, mintURL+"/v1/swap", swapRequest)
}

func PostMeltQuoteBolt11(
	ctx context.Context,
	mintURL string,
	meltQuoteRequest nut05.PostMeltQuoteBolt11Request,
) (*nut05.PostMeltQuoteBolt11Response, error) {
	return post[nut05.PostMeltQuoteBolt11Response](ctx, mintURL+"/v1/melt/quote/bolt11", meltQuoteRequest)
}

func GetMeltQuoteState(ctx context.Context, mintURL, quoteId string) (*nut05.PostMeltQuoteBolt11Response, error) {
	return get[nut05.PostMeltQuoteBolt11Response](ctx, mintURL+"/v1/melt/quote/bolt11/"+quoteId)
}

func PostMeltBolt11(
	ctx context.Context,
	mintURL string,
	meltRequest nut05.PostMeltBolt11Request,
) (*nut05.PostMeltQuoteBolt11Response, error) {
	return post[nut05.PostMeltQuoteBolt11Response](ctx, mintURL+"/v1/melt/bolt11", meltRequest)
}

func PostCheckProofState(
	ctx context.Context,
	mintURL string,
	stateRequest nut07.PostCheckStateRequest,
) (*nut07.PostCheckStateResponse, error) {
	return post[nut07.PostCheckStateResponse](ctx, mintURL+"/v1/checkstate", stateRequest)
}

func PostRestore(
	ctx context.Context,
	mintURL string,
	restoreRequest nut09.PostRestoreRequest,
) (*nut09.PostRestoreResponse, error) {
	return post[nut09.PostRestoreResponse](ctx, mintURL+"/v1/restore", restoreRequest)
}

func get[T any](ctx context.Context, url string) (*T, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return do[T](req)
}

func post[T any](ctx context.Context, url string, request any) (*T, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("json.Marshal: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(requestBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return do[T](req)
}

func do[T any](req *http.Request) (*T, error) {
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMintUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := parse(resp)
	if err != nil {
		return nil, err
	}

	var response T
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("error reading response from mint: %v", err)
	}

	return &response, nil
}

func parse(response *http.Response) ([]byte, error) {
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMintUnreachable, err)
	}

	switch {
	case response.StatusCode == http.StatusOK:
		return body, nil
	case response.StatusCode == http.StatusBadRequest:
		var errResponse cashu.Error
		if err := json.Unmarshal(body, &errResponse); err != nil || errResponse.Detail == "" && errResponse.Code == 0 {
			return nil, fmt.Errorf("could not decode error response from mint: %s", body)
		}
		return nil, errResponse
	case response.StatusCode == http.StatusBadGateway,
		response.StatusCode == http.StatusServiceUnavailable,
		response.StatusCode == http.StatusGatewayTimeout:
		return nil, fmt.Errorf("%w: %v", ErrMintUnreachable, response.Status)
	default:
		return nil, fmt.Errorf("mint returned status %v: %s", response.StatusCode, strings.TrimSpace(string(body)))
	}
}
