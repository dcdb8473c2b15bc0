package testutils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/elnosh/nutsack/cashu"
	"github.com/elnosh/nutsack/cashu/nuts/nut01"
	"github.com/elnosh/nutsack/cashu/nuts/nut02"
	"github.com/elnosh/nutsack/cashu/nuts/nut03"
	"github.com/elnosh/nutsack/cashu/nuts/nut04"
	"github.com/elnosh/nutsack/cashu/nuts/nut05"
	"github.com/elnosh/nutsack/cashu/nuts/nut06"
	"github.com/elnosh/nutsack/cashu/nuts/nut07"
	"github.com/elnosh/nutsack/cashu/nuts/nut09"
	"github.com/elnosh/nutsack/cashu/nuts/nut17"
	"github.com/elnosh/nutsack/crypto"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
	decodepay "github.com/nbd-wtf/ln-decodepay"
)

const FakePreimage = "0000000000000000000000000000000000000000000000000000000000000000"

// MeltBehavior sets how the fake mint answers melt requests.
type MeltBehavior int

const (
	MeltPaid MeltBehavior = iota
	MeltPending
	MeltUnpaid
	// MeltError fails the request with a 500 without taking the inputs
	MeltError
)

type FakeMintOptions struct {
	InputFeePpk uint
	FeeReserve  uint64
	// fee actually charged when paying an invoice. It is taken
	// from the fee reserve and the rest is returned as change
	LightningFee uint64
	// do not advertise NUT-17 websocket subscriptions
	NoWebsocket bool
}

type fakeMintQuote struct {
	id      string
	amount  uint64
	request string
	state   nut04.State
	expiry  int64
}

type fakeMeltQuote struct {
	id         string
	amount     uint64
	feeReserve uint64
	request    string
	state      nut05.State
	expiry     int64
	preimage   string
	inputs     cashu.Proofs
	outputs    cashu.BlindedMessages
	change     cashu.BlindedSignatures
}

type wsSubscriber struct {
	conn  *websocket.Conn
	mu    *sync.Mutex
	subId string
}

// FakeMint is an in-process mint to test the wallet against.
// Invoices are never paid, quotes are marked paid with PayMintQuote.
type FakeMint struct {
	server *httptest.Server

	mu          sync.Mutex
	keyset      *crypto.MintKeyset
	keysets     map[string]*crypto.MintKeyset
	feeReserve  uint64
	lnFee       uint64
	nuts        nut06.Nuts
	mintQuotes  map[string]*fakeMintQuote
	meltQuotes  map[string]*fakeMeltQuote
	signed      map[string]cashu.BlindedSignature
	spent       map[string]bool
	pending     map[string]bool
	requests    map[string]int
	subscribers map[string][]wsSubscriber

	meltBehavior MeltBehavior
	unreachable  bool
	dropMint     bool
	noDLEQ       bool
	swapFee      *uint64
	discloseFee  bool
}

func NewFakeMint(opts FakeMintOptions) *FakeMint {
	seed := make([]byte, 32)
	rand.Read(seed)
	keyset := crypto.GenerateKeyset(hex.EncodeToString(seed), "m/0'/0'/0'", opts.InputFeePpk)

	nuts := nut06.Nuts{
		Nut04: nut06.NutSetting{Methods: []nut06.MethodSetting{{Method: cashu.BOLT11_METHOD, Unit: "sat"}}},
		Nut05: nut06.NutSetting{Methods: []nut06.MethodSetting{{Method: cashu.BOLT11_METHOD, Unit: "sat"}}},
		Nut07: nut06.Supported{Supported: true},
		Nut09: nut06.Supported{Supported: true},
		Nut12: nut06.Supported{Supported: true},
	}
	if !opts.NoWebsocket {
		nuts.Nut17 = &nut06.WebSocketSetting{
			Supported: []nut06.WebSocketMethod{
				{
					Method:   cashu.BOLT11_METHOD,
					Unit:     "sat",
					Commands: []string{nut17.Bolt11MintQuote.String()},
				},
			},
		}
	}

	fm := &FakeMint{
		keyset:      keyset,
		keysets:     map[string]*crypto.MintKeyset{keyset.Id: keyset},
		feeReserve:  opts.FeeReserve,
		lnFee:       opts.LightningFee,
		nuts:        nuts,
		mintQuotes:  make(map[string]*fakeMintQuote),
		meltQuotes:  make(map[string]*fakeMeltQuote),
		signed:      make(map[string]cashu.BlindedSignature),
		spent:       make(map[string]bool),
		pending:     make(map[string]bool),
		requests:    make(map[string]int),
		subscribers: make(map[string][]wsSubscriber),
	}
	fm.server = httptest.NewServer(fm.router())
	return fm
}

func (fm *FakeMint) URL() string {
	return fm.server.URL
}

func (fm *FakeMint) Close() {
	fm.server.CloseClientConnections()
	fm.server.Close()
}

func (fm *FakeMint) KeysetId() string {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.keyset.Id
}

// RotateKeyset makes a new keyset the active one.
func (fm *FakeMint) RotateKeyset(inputFeePpk uint) string {
	seed := make([]byte, 32)
	rand.Read(seed)
	keyset := crypto.GenerateKeyset(hex.EncodeToString(seed), "m/0'/0'/1'", inputFeePpk)

	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.keyset.Active = false
	fm.keyset = keyset
	fm.keysets[keyset.Id] = keyset
	return keyset.Id
}

func (fm *FakeMint) SetMeltBehavior(behavior MeltBehavior) {
	fm.mu.Lock()
	fm.meltBehavior = behavior
	fm.mu.Unlock()
}

// SetUnreachable makes every endpoint answer with a 503.
func (fm *FakeMint) SetUnreachable(unreachable bool) {
	fm.mu.Lock()
	fm.unreachable = unreachable
	fm.mu.Unlock()
}

// DropMintResponse makes the mint sign the outputs of a mint request
// but fail the response, as if the connection dropped.
func (fm *FakeMint) DropMintResponse(drop bool) {
	fm.mu.Lock()
	fm.dropMint = drop
	fm.mu.Unlock()
}

func (fm *FakeMint) DisableDLEQ(disable bool) {
	fm.mu.Lock()
	fm.noDLEQ = disable
	fm.mu.Unlock()
}

// RequireSwapFee makes swaps require exactly fee instead of the keyset
// fee. If disclose is false, the error returned does not include the fee.
func (fm *FakeMint) RequireSwapFee(fee uint64, disclose bool) {
	fm.mu.Lock()
	fm.swapFee = &fee
	fm.discloseFee = disclose
	fm.mu.Unlock()
}

func (fm *FakeMint) RequestCount(path string) int {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.requests[path]
}

// IsSpent reports whether the mint has seen the secret as an input.
func (fm *FakeMint) IsSpent(secret string) bool {
	Y, err := crypto.HashToCurve([]byte(secret))
	if err != nil {
		return false
	}
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.spent[hex.EncodeToString(Y.SerializeCompressed())]
}

// PayMintQuote marks the quote as paid and notifies the subscribers.
func (fm *FakeMint) PayMintQuote(quoteId string) error {
	fm.mu.Lock()
	quote, ok := fm.mintQuotes[quoteId]
	if !ok {
		fm.mu.Unlock()
		return fmt.Errorf("quote '%v' does not exist", quoteId)
	}
	if quote.state == nut04.Unpaid {
		quote.state = nut04.Paid
	}
	response := quote.response()
	fm.mu.Unlock()

	fm.notify(quoteId, response)
	return nil
}

// ExpireMintQuote moves the expiry of the quote to the past.
func (fm *FakeMint) ExpireMintQuote(quoteId string) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if quote, ok := fm.mintQuotes[quoteId]; ok {
		quote.expiry = time.Now().Add(-time.Minute).Unix()
	}
}

// SettleMeltQuote moves a pending melt quote to paid or unpaid.
func (fm *FakeMint) SettleMeltQuote(quoteId string, paid bool) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	quote, ok := fm.meltQuotes[quoteId]
	if !ok || quote.state != nut05.Pending {
		return fmt.Errorf("quote '%v' is not pending", quoteId)
	}
	for _, proof := range quote.inputs {
		Y := hashY(proof.Secret)
		delete(fm.pending, Y)
		if paid {
			fm.spent[Y] = true
		}
	}
	if !paid {
		quote.state = nut05.Unpaid
		quote.inputs = nil
		return nil
	}

	change, signErr := fm.signChange(quote)
	if signErr != nil {
		return signErr
	}
	quote.change = change
	quote.preimage = FakePreimage
	quote.state = nut05.Paid
	return nil
}

// Invoice returns a bolt11 invoice for amount signed by a random key.
func (fm *FakeMint) Invoice(amount uint64) (string, error) {
	invoice, _, _, err := CreateFakeInvoice(amount)
	return invoice, err
}

// MintProofs returns valid unspent proofs for amount signed by the active keyset.
func (fm *FakeMint) MintProofs(amount uint64) (cashu.Proofs, error) {
	fm.mu.Lock()
	keyset := fm.keyset
	fm.mu.Unlock()

	blindedMessages, secrets, rs, err := CreateBlindedMessages(amount, keyset.Id)
	if err != nil {
		return nil, err
	}

	fm.mu.Lock()
	signatures, signErr := fm.sign(blindedMessages)
	fm.mu.Unlock()
	if signErr != nil {
		return nil, signErr
	}

	pubkeys, err := crypto.MapPubKeys(keyset.PublicKeys())
	if err != nil {
		return nil, err
	}
	return ConstructProofs(signatures, secrets, rs, pubkeys)
}

func (fm *FakeMint) router() http.Handler {
	r := mux.NewRouter()
	r.Use(fm.middleware)

	r.HandleFunc("/v1/info", fm.handleInfo).Methods(http.MethodGet)
	r.HandleFunc("/v1/keys", fm.handleKeys).Methods(http.MethodGet)
	r.HandleFunc("/v1/keys/{id}", fm.handleKeysById).Methods(http.MethodGet)
	r.HandleFunc("/v1/keysets", fm.handleKeysets).Methods(http.MethodGet)
	r.HandleFunc("/v1/mint/quote/bolt11", fm.handleMintQuote).Methods(http.MethodPost)
	r.HandleFunc("/v1/mint/quote/bolt11/{quote_id}", fm.handleMintQuoteState).Methods(http.MethodGet)
	r.HandleFunc("/v1/mint/bolt11", fm.handleMint).Methods(http.MethodPost)
	r.HandleFunc("/v1/swap", fm.handleSwap).Methods(http.MethodPost)
	r.HandleFunc("/v1/melt/quote/bolt11", fm.handleMeltQuote).Methods(http.MethodPost)
	r.HandleFunc("/v1/melt/quote/bolt11/{quote_id}", fm.handleMeltQuoteState).Methods(http.MethodGet)
	r.HandleFunc("/v1/melt/bolt11", fm.handleMelt).Methods(http.MethodPost)
	r.HandleFunc("/v1/checkstate", fm.handleCheckState).Methods(http.MethodPost)
	r.HandleFunc("/v1/restore", fm.handleRestore).Methods(http.MethodPost)
	r.HandleFunc("/v1/ws", fm.handleWS)

	return r
}

func (fm *FakeMint) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		fm.mu.Lock()
		fm.requests[req.URL.Path]++
		unreachable := fm.unreachable
		fm.mu.Unlock()

		if unreachable {
			http.Error(rw, "service unavailable", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(rw, req)
	})
}

func writeJSON(rw http.ResponseWriter, v any) {
	rw.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(rw).Encode(v); err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
	}
}

func writeErr(rw http.ResponseWriter, cashuErr *cashu.Error) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(rw).Encode(cashuErr)
}

func decodeBody(rw http.ResponseWriter, req *http.Request, v any) bool {
	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		writeErr(rw, cashu.BuildCashuError("invalid request body", cashu.StandardErrCode))
		return false
	}
	return true
}

func (fm *FakeMint) handleInfo(rw http.ResponseWriter, req *http.Request) {
	fm.mu.Lock()
	info := nut06.MintInfo{
		Name:        "fake mint",
		Version:     "fakemint/0.1.0",
		Description: "mint for tests",
		Nuts:        fm.nuts,
	}
	fm.mu.Unlock()
	writeJSON(rw, info)
}

func keysResponse(keysets ...*crypto.MintKeyset) nut01.GetKeysResponse {
	response := nut01.GetKeysResponse{Keysets: []nut01.Keyset{}}
	for _, keyset := range keysets {
		response.Keysets = append(response.Keysets, nut01.Keyset{
			Id:   keyset.Id,
			Unit: keyset.Unit,
			Keys: keyset.PublicKeys(),
		})
	}
	return response
}

func (fm *FakeMint) handleKeys(rw http.ResponseWriter, req *http.Request) {
	fm.mu.Lock()
	response := keysResponse(fm.keyset)
	fm.mu.Unlock()
	writeJSON(rw, response)
}

func (fm *FakeMint) handleKeysById(rw http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]

	fm.mu.Lock()
	keyset, ok := fm.keysets[id]
	fm.mu.Unlock()
	if !ok {
		writeErr(rw, &cashu.UnknownKeysetErr)
		return
	}
	writeJSON(rw, keysResponse(keyset))
}

func (fm *FakeMint) handleKeysets(rw http.ResponseWriter, req *http.Request) {
	fm.mu.Lock()
	response := nut02.GetKeysetsResponse{Keysets: []nut02.Keyset{}}
	for _, keyset := range fm.keysets {
		response.Keysets = append(response.Keysets, nut02.Keyset{
			Id:          keyset.Id,
			Unit:        keyset.Unit,
			Active:      keyset.Active,
			InputFeePpk: keyset.InputFeePpk,
		})
	}
	fm.mu.Unlock()
	writeJSON(rw, response)
}

func (quote *fakeMintQuote) response() nut04.PostMintQuoteBolt11Response {
	return nut04.PostMintQuoteBolt11Response{
		Quote:   quote.id,
		Request: quote.request,
		State:   quote.state,
		Expiry:  quote.expiry,
	}
}

func (fm *FakeMint) handleMintQuote(rw http.ResponseWriter, req *http.Request) {
	var request nut04.PostMintQuoteBolt11Request
	if !decodeBody(rw, req, &request) {
		return
	}
	if request.Unit != "sat" {
		writeErr(rw, cashu.BuildCashuError("unit not supported", cashu.UnitErrCode))
		return
	}
	if request.Amount == 0 {
		writeErr(rw, cashu.BuildCashuError("amount must be greater than zero", cashu.StandardErrCode))
		return
	}

	invoice, _, _, err := CreateFakeInvoice(request.Amount)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	quoteId, err := cashu.GenerateRandomSecret()
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}

	quote := &fakeMintQuote{
		id:      quoteId[:32],
		amount:  request.Amount,
		request: invoice,
		state:   nut04.Unpaid,
		expiry:  time.Now().Add(time.Hour).Unix(),
	}
	fm.mu.Lock()
	fm.mintQuotes[quote.id] = quote
	fm.mu.Unlock()

	writeJSON(rw, quote.response())
}

func (fm *FakeMint) handleMintQuoteState(rw http.ResponseWriter, req *http.Request) {
	quoteId := mux.Vars(req)["quote_id"]

	fm.mu.Lock()
	quote, ok := fm.mintQuotes[quoteId]
	var response nut04.PostMintQuoteBolt11Response
	if ok {
		response = quote.response()
	}
	fm.mu.Unlock()

	if !ok {
		writeErr(rw, cashu.BuildCashuError("quote does not exist", cashu.StandardErrCode))
		return
	}
	writeJSON(rw, response)
}

func (fm *FakeMint) handleMint(rw http.ResponseWriter, req *http.Request) {
	var request nut04.PostMintBolt11Request
	if !decodeBody(rw, req, &request) {
		return
	}

	fm.mu.Lock()
	defer fm.mu.Unlock()

	quote, ok := fm.mintQuotes[request.Quote]
	if !ok {
		writeErr(rw, cashu.BuildCashuError("quote does not exist", cashu.StandardErrCode))
		return
	}
	switch quote.state {
	case nut04.Unpaid:
		if time.Now().Unix() > quote.expiry {
			writeErr(rw, &cashu.QuoteExpiredErr)
			return
		}
		writeErr(rw, &cashu.MintQuoteRequestNotPaid)
		return
	case nut04.Issued:
		writeErr(rw, &cashu.MintQuoteAlreadyIssued)
		return
	}

	if request.Outputs.Amount() != quote.amount {
		writeErr(rw, cashu.BuildCashuError("outputs do not match quote amount", cashu.StandardErrCode))
		return
	}
	signatures, err := fm.sign(request.Outputs)
	if err != nil {
		writeErr(rw, err)
		return
	}
	quote.state = nut04.Issued

	if fm.dropMint {
		http.Error(rw, "connection reset", http.StatusInternalServerError)
		return
	}
	writeJSON(rw, nut04.PostMintBolt11Response{Signatures: signatures})
}

func (fm *FakeMint) handleSwap(rw http.ResponseWriter, req *http.Request) {
	var request nut03.PostSwapRequest
	if !decodeBody(rw, req, &request) {
		return
	}

	fm.mu.Lock()
	defer fm.mu.Unlock()

	if err := fm.verifyInputs(request.Inputs); err != nil {
		writeErr(rw, err)
		return
	}

	fee := fm.inputFee(request.Inputs)
	disclose := true
	if fm.swapFee != nil {
		fee = *fm.swapFee
		disclose = fm.discloseFee
	}
	if request.Inputs.Amount() != request.Outputs.Amount()+fee {
		detail := "inputs and outputs do not balance"
		if disclose {
			detail = fmt.Sprintf("inputs and outputs do not balance. fee required is %v", fee)
		}
		writeErr(rw, cashu.BuildCashuError(detail, cashu.InsufficientProofAmountErrCode))
		return
	}

	signatures, err := fm.sign(request.Outputs)
	if err != nil {
		writeErr(rw, err)
		return
	}
	for _, proof := range request.Inputs {
		fm.spent[hashY(proof.Secret)] = true
	}

	writeJSON(rw, nut03.PostSwapResponse{Signatures: signatures})
}

func (quote *fakeMeltQuote) response() nut05.PostMeltQuoteBolt11Response {
	return nut05.PostMeltQuoteBolt11Response{
		Quote:      quote.id,
		Amount:     quote.amount,
		FeeReserve: quote.feeReserve,
		State:      quote.state,
		Expiry:     quote.expiry,
		Preimage:   quote.preimage,
		Change:     quote.change,
	}
}

func (fm *FakeMint) handleMeltQuote(rw http.ResponseWriter, req *http.Request) {
	var request nut05.PostMeltQuoteBolt11Request
	if !decodeBody(rw, req, &request) {
		return
	}
	if request.Unit != "sat" {
		writeErr(rw, cashu.BuildCashuError("unit not supported", cashu.UnitErrCode))
		return
	}

	bolt11, err := decodepay.Decodepay(request.Request)
	if err != nil {
		writeErr(rw, cashu.BuildCashuError("invalid invoice", cashu.MeltQuoteErrCode))
		return
	}
	quoteId, err := cashu.GenerateRandomSecret()
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}

	fm.mu.Lock()
	quote := &fakeMeltQuote{
		id:         quoteId[:32],
		amount:     uint64(bolt11.MSatoshi) / 1000,
		feeReserve: fm.feeReserve,
		request:    request.Request,
		state:      nut05.Unpaid,
		expiry:     time.Now().Add(time.Hour).Unix(),
	}
	fm.meltQuotes[quote.id] = quote
	response := quote.response()
	fm.mu.Unlock()

	writeJSON(rw, response)
}

func (fm *FakeMint) handleMeltQuoteState(rw http.ResponseWriter, req *http.Request) {
	quoteId := mux.Vars(req)["quote_id"]

	fm.mu.Lock()
	quote, ok := fm.meltQuotes[quoteId]
	var response nut05.PostMeltQuoteBolt11Response
	if ok {
		response = quote.response()
	}
	fm.mu.Unlock()

	if !ok {
		writeErr(rw, cashu.BuildCashuError("quote does not exist", cashu.StandardErrCode))
		return
	}
	writeJSON(rw, response)
}

func (fm *FakeMint) handleMelt(rw http.ResponseWriter, req *http.Request) {
	var request nut05.PostMeltBolt11Request
	if !decodeBody(rw, req, &request) {
		return
	}

	fm.mu.Lock()
	defer fm.mu.Unlock()

	quote, ok := fm.meltQuotes[request.Quote]
	if !ok {
		writeErr(rw, cashu.BuildCashuError("quote does not exist", cashu.StandardErrCode))
		return
	}
	switch quote.state {
	case nut05.Paid:
		writeErr(rw, cashu.BuildCashuError("quote already paid", cashu.MeltQuoteAlreadyPaidErrCode))
		return
	case nut05.Pending:
		writeErr(rw, cashu.BuildCashuError("quote is pending", cashu.MeltQuotePendingErrCode))
		return
	}

	if fm.meltBehavior == MeltError {
		http.Error(rw, "internal server error", http.StatusInternalServerError)
		return
	}

	if err := fm.verifyInputs(request.Inputs); err != nil {
		writeErr(rw, err)
		return
	}
	needed := quote.amount + fm.lnFee + fm.inputFee(request.Inputs)
	if request.Inputs.Amount() < needed {
		detail := fmt.Sprintf("not enough inputs provided for melt. Provided: %v, needed: %v", request.Inputs.Amount(), needed)
		writeErr(rw, cashu.BuildCashuError(detail, cashu.InsufficientProofAmountErrCode))
		return
	}

	switch fm.meltBehavior {
	case MeltUnpaid:
		writeJSON(rw, quote.response())
		return
	case MeltPending:
		quote.state = nut05.Pending
		quote.inputs = request.Inputs
		quote.outputs = request.Outputs
		for _, proof := range request.Inputs {
			fm.pending[hashY(proof.Secret)] = true
		}
		writeJSON(rw, quote.response())
		return
	}

	quote.inputs = request.Inputs
	quote.outputs = request.Outputs
	change, err := fm.signChange(quote)
	if err != nil {
		writeErr(rw, err)
		return
	}
	for _, proof := range request.Inputs {
		fm.spent[hashY(proof.Secret)] = true
	}
	quote.state = nut05.Paid
	quote.preimage = FakePreimage
	quote.change = change

	writeJSON(rw, quote.response())
}

// signChange signs outputs for what was paid over the quote amount, the
// lightning fee and the input fee. Amounts of the outputs are ignored.
func (fm *FakeMint) signChange(quote *fakeMeltQuote) (cashu.BlindedSignatures, *cashu.Error) {
	if len(quote.outputs) == 0 {
		return nil, nil
	}
	overpaid := quote.inputs.Amount() - quote.amount - fm.lnFee - fm.inputFee(quote.inputs)
	if overpaid == 0 {
		return nil, nil
	}

	amounts := cashu.AmountSplit(overpaid)
	n := min(len(amounts), len(quote.outputs))
	outputs := make(cashu.BlindedMessages, n)
	for i := 0; i < n; i++ {
		outputs[i] = quote.outputs[i]
		outputs[i].Amount = amounts[i]
	}
	return fm.sign(outputs)
}

func (fm *FakeMint) handleCheckState(rw http.ResponseWriter, req *http.Request) {
	var request nut07.PostCheckStateRequest
	if !decodeBody(rw, req, &request) {
		return
	}

	fm.mu.Lock()
	states := make([]nut07.ProofState, len(request.Ys))
	for i, Y := range request.Ys {
		state := nut07.Unspent
		if fm.spent[Y] {
			state = nut07.Spent
		} else if fm.pending[Y] {
			state = nut07.Pending
		}
		states[i] = nut07.ProofState{Y: Y, State: state}
	}
	fm.mu.Unlock()

	writeJSON(rw, nut07.PostCheckStateResponse{States: states})
}

func (fm *FakeMint) handleRestore(rw http.ResponseWriter, req *http.Request) {
	var request nut09.PostRestoreRequest
	if !decodeBody(rw, req, &request) {
		return
	}

	fm.mu.Lock()
	response := nut09.PostRestoreResponse{
		Outputs:    cashu.BlindedMessages{},
		Signatures: cashu.BlindedSignatures{},
	}
	for _, output := range request.Outputs {
		if signature, ok := fm.signed[output.B_]; ok {
			output.Amount = signature.Amount
			response.Outputs = append(response.Outputs, output)
			response.Signatures = append(response.Signatures, signature)
		}
	}
	fm.mu.Unlock()

	writeJSON(rw, response)
}

func (fm *FakeMint) handleWS(rw http.ResponseWriter, req *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(rw, req, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	writeMu := &sync.Mutex{}

	for {
		var request nut17.WsRequest
		if err := conn.ReadJSON(&request); err != nil {
			fm.removeSubscriber(conn)
			return
		}

		switch request.Method {
		case nut17.SUBSCRIBE:
			fm.mu.Lock()
			var current []nut04.PostMintQuoteBolt11Response
			for _, quoteId := range request.Params.Filters {
				fm.subscribers[quoteId] = append(fm.subscribers[quoteId], wsSubscriber{
					conn:  conn,
					mu:    writeMu,
					subId: request.Params.SubId,
				})
				if quote, ok := fm.mintQuotes[quoteId]; ok {
					current = append(current, quote.response())
				}
			}
			fm.mu.Unlock()

			response := nut17.WsResponse{
				JsonRPC: nut17.JSONRPC_2,
				Result:  nut17.Result{Status: nut17.OK, SubId: request.Params.SubId},
				Id:      request.Id,
			}
			writeMu.Lock()
			conn.WriteJSON(response)
			writeMu.Unlock()

			// the current state is sent right after subscribing
			for _, quote := range current {
				notification, err := nut17.NewNotification(request.Params.SubId, quote)
				if err != nil {
					continue
				}
				writeMu.Lock()
				conn.WriteJSON(notification)
				writeMu.Unlock()
			}
		case nut17.UNSUBSCRIBE:
			fm.mu.Lock()
			for quoteId, subscribers := range fm.subscribers {
				kept := subscribers[:0]
				for _, sub := range subscribers {
					if sub.conn != conn || sub.subId != request.Params.SubId {
						kept = append(kept, sub)
					}
				}
				fm.subscribers[quoteId] = kept
			}
			fm.mu.Unlock()

			response := nut17.WsResponse{
				JsonRPC: nut17.JSONRPC_2,
				Result:  nut17.Result{Status: nut17.OK, SubId: request.Params.SubId},
				Id:      request.Id,
			}
			writeMu.Lock()
			conn.WriteJSON(response)
			writeMu.Unlock()
		default:
			writeMu.Lock()
			conn.WriteJSON(nut17.NewWsError(-32601, "method not found", request.Id))
			writeMu.Unlock()
		}
	}
}

func (fm *FakeMint) removeSubscriber(conn *websocket.Conn) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	for quoteId, subscribers := range fm.subscribers {
		kept := subscribers[:0]
		for _, sub := range subscribers {
			if sub.conn != conn {
				kept = append(kept, sub)
			}
		}
		fm.subscribers[quoteId] = kept
	}
}

func (fm *FakeMint) notify(quoteId string, payload nut04.PostMintQuoteBolt11Response) {
	fm.mu.Lock()
	subscribers := append([]wsSubscriber{}, fm.subscribers[quoteId]...)
	fm.mu.Unlock()

	for _, sub := range subscribers {
		notification, err := nut17.NewNotification(sub.subId, payload)
		if err != nil {
			continue
		}
		sub.mu.Lock()
		sub.conn.WriteJSON(notification)
		sub.mu.Unlock()
	}
}

// verifyInputs must be called with the lock held.
func (fm *FakeMint) verifyInputs(proofs cashu.Proofs) *cashu.Error {
	if len(proofs) == 0 {
		return cashu.BuildCashuError("no inputs provided", cashu.StandardErrCode)
	}
	if cashu.CheckDuplicateProofs(proofs) {
		return cashu.BuildCashuError("duplicate proofs", cashu.InvalidProofErrCode)
	}

	for _, proof := range proofs {
		keyset, ok := fm.keysets[proof.Id]
		if !ok {
			return &cashu.UnknownKeysetErr
		}
		key, ok := keyset.Keys[proof.Amount]
		if !ok {
			return &cashu.InvalidProofErr
		}
		Cbytes, err := hex.DecodeString(proof.C)
		if err != nil {
			return &cashu.InvalidProofErr
		}
		C, err := secp256k1.ParsePubKey(Cbytes)
		if err != nil {
			return &cashu.InvalidProofErr
		}
		if !crypto.Verify(proof.Secret, key.PrivateKey, C) {
			return &cashu.InvalidProofErr
		}

		Y := hashY(proof.Secret)
		if fm.spent[Y] || fm.pending[Y] {
			return &cashu.ProofAlreadyUsedErr
		}
	}
	return nil
}

func (fm *FakeMint) inputFee(proofs cashu.Proofs) uint64 {
	var feePpk uint
	for _, proof := range proofs {
		if keyset, ok := fm.keysets[proof.Id]; ok {
			feePpk += keyset.InputFeePpk
		}
	}
	return uint64((feePpk + 999) / 1000)
}

// sign must be called with the lock held.
func (fm *FakeMint) sign(outputs cashu.BlindedMessages) (cashu.BlindedSignatures, *cashu.Error) {
	signatures := make(cashu.BlindedSignatures, len(outputs))
	for i, output := range outputs {
		if _, ok := fm.signed[output.B_]; ok {
			return nil, &cashu.BlindedMessageAlreadySigned
		}
		keyset, ok := fm.keysets[output.Id]
		if !ok {
			return nil, &cashu.UnknownKeysetErr
		}
		if !keyset.Active {
			return nil, cashu.BuildCashuError("keyset is inactive", cashu.InactiveKeysetErrCode)
		}
		key, ok := keyset.Keys[output.Amount]
		if !ok {
			return nil, cashu.BuildCashuError("invalid amount in output", cashu.StandardErrCode)
		}

		B_bytes, err := hex.DecodeString(output.B_)
		if err != nil {
			return nil, cashu.BuildCashuError("invalid blinded message", cashu.StandardErrCode)
		}
		B_, err := secp256k1.ParsePubKey(B_bytes)
		if err != nil {
			return nil, cashu.BuildCashuError("invalid blinded message", cashu.StandardErrCode)
		}

		C_ := crypto.SignBlindedMessage(B_, key.PrivateKey)
		signature := cashu.BlindedSignature{
			Amount: output.Amount,
			C_:     hex.EncodeToString(C_.SerializeCompressed()),
			Id:     keyset.Id,
		}
		if !fm.noDLEQ {
			e, s, err := crypto.GenerateDLEQ(key.PrivateKey, B_, C_)
			if err != nil {
				return nil, &cashu.StandardErr
			}
			signature.DLEQ = &cashu.DLEQProof{
				E: hex.EncodeToString(e.Serialize()),
				S: hex.EncodeToString(s.Serialize()),
			}
		}
		signatures[i] = signature
	}

	for i, output := range outputs {
		fm.signed[output.B_] = signatures[i]
	}
	return signatures, nil
}

func hashY(secret string) string {
	Y, err := crypto.HashToCurve([]byte(secret))
	if err != nil {
		return ""
	}
	return hex.EncodeToString(Y.SerializeCompressed())
}

// CreateFakeInvoice returns an invoice with a random payment hash along
// with its preimage and hash.
func CreateFakeInvoice(amount uint64) (string, string, string, error) {
	var random [32]byte
	if _, err := rand.Read(random[:]); err != nil {
		return "", "", "", err
	}
	preimage := hex.EncodeToString(random[:])
	paymentHash := sha256.Sum256(random[:])
	hash := hex.EncodeToString(paymentHash[:])

	invoice, err := zpay32.NewInvoice(
		&chaincfg.SigNetParams,
		paymentHash,
		time.Now(),
		zpay32.Amount(lnwire.MilliSatoshi(amount*1000)),
		zpay32.Description("test"),
	)
	if err != nil {
		return "", "", "", err
	}

	invoiceStr, err := invoice.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			key, err := secp256k1.GeneratePrivateKey()
			if err != nil {
				return []byte{}, err
			}
			return ecdsa.SignCompact(key, msg, true), nil
		},
	})
	if err != nil {
		return "", "", "", err
	}

	return invoiceStr, preimage, hash, nil
}
