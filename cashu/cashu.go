// Package cashu contains the core structs and logic
// of the Cashu protocol.
package cashu

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/fxamacker/cbor/v2"
)

type Unit int

const (
	Sat Unit = iota

	BOLT11_METHOD = "bolt11"

	TokenV3Prefix = "cashuA"
	TokenV4Prefix = "cashuB"
)

func (unit Unit) String() string {
	switch unit {
	case Sat:
		return "sat"
	default:
		return "unknown"
	}
}

func UnitFromString(unit string) (Unit, error) {
	switch unit {
	case "sat", "":
		return Sat, nil
	}
	return 0, ErrInvalidUnit
}

var (
	ErrInvalidTokenV3 = errors.New("invalid V3 token")
	ErrInvalidTokenV4 = errors.New("invalid V4 token")
	ErrInvalidUnit    = errors.New("invalid unit")
	ErrEmptyToken     = errors.New("token has no proofs")
)

// Cashu BlindedMessage. See https://github.com/cashubtc/nuts/blob/main/00.md#blindedmessage
type BlindedMessage struct {
	Amount  uint64 `json:"amount"`
	B_      string `json:"B_"`
	Id      string `json:"id"`
	Witness string `json:"witness,omitempty"`
}

func NewBlindedMessage(id string, amount uint64, B_ *secp256k1.PublicKey) BlindedMessage {
	B_str := hex.EncodeToString(B_.SerializeCompressed())
	return BlindedMessage{Amount: amount, B_: B_str, Id: id}
}

type BlindedMessages []BlindedMessage

func (bm BlindedMessages) Amount() uint64 {
	var totalAmount uint64 = 0
	for _, msg := range bm {
		totalAmount += msg.Amount
	}
	return totalAmount
}

// Cashu BlindedSignature. See https://github.com/cashubtc/nuts/blob/main/00.md#blindsignature
type BlindedSignature struct {
	Amount uint64 `json:"amount"`
	C_     string `json:"C_"`
	Id     string `json:"id"`
	// doing pointer here so that omitempty works.
	// an empty struct would still get marshalled
	DLEQ *DLEQProof `json:"dleq,omitempty"`
}

type BlindedSignatures []BlindedSignature

func (bs BlindedSignatures) Amount() uint64 {
	var totalAmount uint64 = 0
	for _, sig := range bs {
		totalAmount += sig.Amount
	}
	return totalAmount
}

// Cashu Proof. See https://github.com/cashubtc/nuts/blob/main/00.md#proof
type Proof struct {
	Amount  uint64 `json:"amount"`
	Id      string `json:"id"`
	Secret  string `json:"secret"`
	C       string `json:"C"`
	Witness string `json:"witness,omitempty"`
	// doing pointer here so that omitempty works.
	// an empty struct would still get marshalled
	DLEQ *DLEQProof `json:"dleq,omitempty"`
}

// UnmarshalJSON accepts a witness sent either as a string
// or as a structured json object and keeps it as a string.
func (p *Proof) UnmarshalJSON(data []byte) error {
	var tempProof struct {
		Amount  uint64          `json:"amount"`
		Id      string          `json:"id"`
		Secret  string          `json:"secret"`
		C       string          `json:"C"`
		Witness json.RawMessage `json:"witness,omitempty"`
		DLEQ    *DLEQProof      `json:"dleq,omitempty"`
	}
	if err := json.Unmarshal(data, &tempProof); err != nil {
		return err
	}

	p.Amount = tempProof.Amount
	p.Id = tempProof.Id
	p.Secret = tempProof.Secret
	p.C = tempProof.C
	p.DLEQ = tempProof.DLEQ
	p.Witness = ""

	if len(tempProof.Witness) > 0 && string(tempProof.Witness) != "null" {
		var witness string
		if err := json.Unmarshal(tempProof.Witness, &witness); err == nil {
			p.Witness = witness
		} else {
			p.Witness = string(tempProof.Witness)
		}
	}
	return nil
}

type Proofs []Proof

type DLEQProof struct {
	E string `json:"e"`
	S string `json:"s"`
	R string `json:"r,omitempty"`
}

// Amount returns the total amount from
// the array of Proof
func (proofs Proofs) Amount() uint64 {
	var totalAmount uint64 = 0
	for _, proof := range proofs {
		totalAmount += proof.Amount
	}
	return totalAmount
}

// Normalized returns a copy of the proofs with only the fields
// that are sent to a mint or to a payee: amount, secret, C, id and witness.
func (proofs Proofs) Normalized() Proofs {
	normalized := make(Proofs, len(proofs))
	for i, proof := range proofs {
		normalized[i] = Proof{
			Amount:  proof.Amount,
			Id:      proof.Id,
			Secret:  proof.Secret,
			C:       proof.C,
			Witness: proof.Witness,
		}
	}
	return normalized
}

// Cashu token. See https://github.com/cashubtc/nuts/blob/main/00.md#token-format
type Token interface {
	Proofs() Proofs
	Mint() string
	Amount() uint64
	Memo() string
	Serialize() (string, error)
}

func DecodeToken(tokenstr string) (Token, error) {
	tokenstr = strings.TrimSpace(tokenstr)
	tokenstr = strings.TrimPrefix(tokenstr, "cashu:")
	if len(tokenstr) < 6 {
		return nil, errors.New("invalid token: too short")
	}

	switch tokenstr[:6] {
	case TokenV4Prefix:
		token, err := DecodeTokenV4(tokenstr)
		if err != nil {
			return nil, fmt.Errorf("invalid token: %v", err)
		}
		return token, nil
	case TokenV3Prefix:
		token, err := DecodeTokenV3(tokenstr)
		if err != nil {
			return nil, fmt.Errorf("invalid token: %v", err)
		}
		return token, nil
	}
	return nil, errors.New("invalid token: unknown prefix")
}

type TokenV3 struct {
	Token     []TokenV3Proof `json:"token"`
	Unit      string         `json:"unit"`
	TokenMemo string         `json:"memo,omitempty"`
}

type TokenV3Proof struct {
	Mint   string `json:"mint"`
	Proofs Proofs `json:"proofs"`
}

func NewTokenV3(proofs Proofs, mint string, unit Unit, memo string) (TokenV3, error) {
	if unit != Sat {
		return TokenV3{}, ErrInvalidUnit
	}
	if len(proofs) == 0 {
		return TokenV3{}, ErrEmptyToken
	}

	tokenProof := TokenV3Proof{Mint: mint, Proofs: proofs.Normalized()}
	return TokenV3{Token: []TokenV3Proof{tokenProof}, Unit: unit.String(), TokenMemo: memo}, nil
}

func DecodeTokenV3(tokenstr string) (*TokenV3, error) {
	if len(tokenstr) < 6 {
		return nil, ErrInvalidTokenV3
	}
	prefixVersion := tokenstr[:6]
	base64Token := tokenstr[6:]

	if prefixVersion != TokenV3Prefix {
		return nil, ErrInvalidTokenV3
	}

	tokenBytes, err := decodeBase64(base64Token)
	if err != nil {
		return nil, fmt.Errorf("error decoding token: %v", err)
	}

	var token TokenV3
	err = json.Unmarshal(tokenBytes, &token)
	if err != nil {
		return nil, fmt.Errorf("error unmarshaling token: %v", err)
	}
	if len(token.Token) == 0 || len(token.Proofs()) == 0 {
		return nil, ErrEmptyToken
	}

	return &token, nil
}

func (t TokenV3) Proofs() Proofs {
	proofs := make(Proofs, 0)
	for _, tokenProof := range t.Token {
		proofs = append(proofs, tokenProof.Proofs...)
	}
	return proofs
}

func (t TokenV3) Mint() string {
	if len(t.Token) == 0 {
		return ""
	}
	return t.Token[0].Mint
}

func (t TokenV3) Amount() uint64 {
	return t.Proofs().Amount()
}

func (t TokenV3) Memo() string {
	return t.TokenMemo
}

func (t TokenV3) Serialize() (string, error) {
	jsonBytes, err := json.Marshal(t)
	if err != nil {
		return "", err
	}

	token := TokenV3Prefix + base64.URLEncoding.EncodeToString(jsonBytes)
	return token, nil
}

type TokenV4 struct {
	TokenProofs []TokenV4Proof `json:"t"`
	TokenMemo   string         `json:"d,omitempty"`
	MintURL     string         `json:"m"`
	Unit        string         `json:"u"`
}

type TokenV4Proof struct {
	Id     []byte    `json:"i"`
	Proofs []ProofV4 `json:"p"`
}

type ProofV4 struct {
	Amount  uint64  `json:"a"`
	Secret  string  `json:"s"`
	C       []byte  `json:"c"`
	Witness string  `json:"w,omitempty"`
	DLEQ    *DLEQV4 `json:"d,omitempty"`
}

type DLEQV4 struct {
	E []byte `json:"e"`
	S []byte `json:"s"`
	R []byte `json:"r"`
}

func NewTokenV4(proofs Proofs, mint string, unit Unit, memo string, includeDLEQ bool) (TokenV4, error) {
	if unit != Sat {
		return TokenV4{}, ErrInvalidUnit
	}
	if len(proofs) == 0 {
		return TokenV4{}, ErrEmptyToken
	}

	// keep keyset groups in the order they first appear
	keysetOrder := []string{}
	proofsMap := make(map[string][]ProofV4)
	for _, proof := range proofs {
		C, err := hex.DecodeString(proof.C)
		if err != nil {
			return TokenV4{}, fmt.Errorf("invalid C: %v", err)
		}
		proofV4 := ProofV4{
			Amount:  proof.Amount,
			Secret:  proof.Secret,
			C:       C,
			Witness: proof.Witness,
		}
		if includeDLEQ && proof.DLEQ != nil {
			dleq, err := dleqToV4(*proof.DLEQ)
			if err != nil {
				return TokenV4{}, err
			}
			proofV4.DLEQ = dleq
		}
		if _, ok := proofsMap[proof.Id]; !ok {
			keysetOrder = append(keysetOrder, proof.Id)
		}
		proofsMap[proof.Id] = append(proofsMap[proof.Id], proofV4)
	}

	proofsV4 := make([]TokenV4Proof, len(keysetOrder))
	for i, id := range keysetOrder {
		keysetIdBytes, err := hex.DecodeString(id)
		if err != nil {
			return TokenV4{}, fmt.Errorf("invalid keyset id: %v", err)
		}
		proofsV4[i] = TokenV4Proof{Id: keysetIdBytes, Proofs: proofsMap[id]}
	}

	return TokenV4{MintURL: mint, Unit: unit.String(), TokenMemo: memo, TokenProofs: proofsV4}, nil
}

func dleqToV4(dleq DLEQProof) (*DLEQV4, error) {
	e, err := hex.DecodeString(dleq.E)
	if err != nil {
		return nil, fmt.Errorf("invalid e in DLEQ proof: %v", err)
	}
	s, err := hex.DecodeString(dleq.S)
	if err != nil {
		return nil, fmt.Errorf("invalid s in DLEQ proof: %v", err)
	}
	if len(dleq.R) == 0 {
		return nil, errors.New("r in DLEQ proof cannot be empty")
	}
	r, err := hex.DecodeString(dleq.R)
	if err != nil {
		return nil, fmt.Errorf("invalid r in DLEQ proof: %v", err)
	}
	return &DLEQV4{E: e, S: s, R: r}, nil
}

func DecodeTokenV4(tokenstr string) (*TokenV4, error) {
	if len(tokenstr) < 6 {
		return nil, ErrInvalidTokenV4
	}
	prefixVersion := tokenstr[:6]
	base64Token := tokenstr[6:]
	if prefixVersion != TokenV4Prefix {
		return nil, ErrInvalidTokenV4
	}

	tokenBytes, err := decodeBase64(base64Token)
	if err != nil {
		return nil, fmt.Errorf("error decoding token: %v", err)
	}

	var tokenV4 TokenV4
	err = cbor.Unmarshal(tokenBytes, &tokenV4)
	if err != nil {
		return nil, fmt.Errorf("cbor.Unmarshal: %v", err)
	}
	if len(tokenV4.Proofs()) == 0 {
		return nil, ErrEmptyToken
	}

	return &tokenV4, nil
}

func (t TokenV4) Proofs() Proofs {
	proofs := make(Proofs, 0)
	for _, tokenV4Proof := range t.TokenProofs {
		keysetId := hex.EncodeToString(tokenV4Proof.Id)
		for _, proofV4 := range tokenV4Proof.Proofs {
			proof := Proof{
				Amount:  proofV4.Amount,
				Id:      keysetId,
				Secret:  proofV4.Secret,
				C:       hex.EncodeToString(proofV4.C),
				Witness: proofV4.Witness,
			}
			if proofV4.DLEQ != nil {
				proof.DLEQ = &DLEQProof{
					E: hex.EncodeToString(proofV4.DLEQ.E),
					S: hex.EncodeToString(proofV4.DLEQ.S),
					R: hex.EncodeToString(proofV4.DLEQ.R),
				}
			}
			proofs = append(proofs, proof)
		}
	}
	return proofs
}

func (t TokenV4) Mint() string {
	return t.MintURL
}

func (t TokenV4) Amount() uint64 {
	return t.Proofs().Amount()
}

func (t TokenV4) Memo() string {
	return t.TokenMemo
}

func (t TokenV4) Serialize() (string, error) {
	cborData, err := cbor.Marshal(t)
	if err != nil {
		return "", err
	}

	token := TokenV4Prefix + base64.RawURLEncoding.EncodeToString(cborData)
	return token, nil
}

func decodeBase64(s string) ([]byte, error) {
	// tokens in the wild use both the url and standard alphabets,
	// padded and unpadded
	s = strings.TrimRight(s, "=")
	if data, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

type CashuErrCode int

// Error represents an error returned by the mint
type Error struct {
	Detail string       `json:"detail"`
	Code   CashuErrCode `json:"code"`
}

func BuildCashuError(detail string, code CashuErrCode) *Error {
	return &Error{Detail: detail, Code: code}
}

func (e Error) Error() string {
	return e.Detail
}

// Common error codes
const (
	StandardErrCode CashuErrCode = 10000

	BlindedMessageAlreadySignedErrCode CashuErrCode = 10002
	InvalidProofErrCode                CashuErrCode = 10003

	ProofAlreadyUsedErrCode        CashuErrCode = 11001
	InsufficientProofAmountErrCode CashuErrCode = 11002
	UnitErrCode                    CashuErrCode = 11005
	AmountLimitExceeded            CashuErrCode = 11006
	PaymentMethodErrCode           CashuErrCode = 11007

	UnknownKeysetErrCode  CashuErrCode = 12001
	InactiveKeysetErrCode CashuErrCode = 12002

	MintQuoteRequestNotPaidErrCode CashuErrCode = 20001
	MintQuoteAlreadyIssuedErrCode  CashuErrCode = 20002
	MintingDisabledErrCode         CashuErrCode = 20003
	MeltQuotePendingErrCode        CashuErrCode = 20005
	MeltQuoteAlreadyPaidErrCode    CashuErrCode = 20006
	QuoteExpiredErrCode            CashuErrCode = 20007
	MeltQuoteErrCode               CashuErrCode = 20009
)

var (
	StandardErr                 = Error{Detail: "mint is currently unable to process request", Code: StandardErrCode}
	UnknownKeysetErr            = Error{Detail: "unknown keyset", Code: UnknownKeysetErrCode}
	BlindedMessageAlreadySigned = Error{Detail: "blinded message already signed", Code: BlindedMessageAlreadySignedErrCode}
	MintQuoteRequestNotPaid     = Error{Detail: "quote request has not been paid", Code: MintQuoteRequestNotPaidErrCode}
	MintQuoteAlreadyIssued      = Error{Detail: "quote already issued", Code: MintQuoteAlreadyIssuedErrCode}
	QuoteExpiredErr             = Error{Detail: "quote expired", Code: QuoteExpiredErrCode}
	ProofAlreadyUsedErr         = Error{Detail: "proof already used", Code: ProofAlreadyUsedErrCode}
	InvalidProofErr             = Error{Detail: "invalid proof", Code: InvalidProofErrCode}
	QuoteNotExistErr            = Error{Detail: "quote does not exist", Code: MeltQuoteErrCode}
	MeltQuoteAlreadyPaid        = Error{Detail: "quote already paid", Code: MeltQuoteAlreadyPaidErrCode}
	InsufficientProofsAmount    = Error{
		Detail: "amount of input proofs is below amount needed for transaction",
		Code:   InsufficientProofAmountErrCode,
	}
)

// Given an amount, it returns list of amounts e.g 13 -> [1, 4, 8]
// that can be used to build blinded messages or split operations.
// from nutshell implementation
func AmountSplit(amount uint64) []uint64 {
	rv := make([]uint64, 0)
	for pos := 0; amount > 0; pos++ {
		if amount&1 == 1 {
			rv = append(rv, 1<<pos)
		}
		amount >>= 1
	}
	return rv
}

func CheckDuplicateProofs(proofs Proofs) bool {
	secrets := make(map[string]bool)

	for _, proof := range proofs {
		if secrets[proof.Secret] {
			return true
		}
		secrets[proof.Secret] = true
	}

	return false
}

// GenerateRandomSecret returns a random 32 byte hex encoded secret
func GenerateRandomSecret() (string, error) {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(randomBytes), nil
}
