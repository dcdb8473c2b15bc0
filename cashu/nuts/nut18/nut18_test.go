package nut18

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/elnosh/nutsack/cashu"
	"github.com/fxamacker/cbor/v2"
)

func TestPaymentRequestRoundTrip(t *testing.T) {
	tests := []PaymentRequest{
		{
			Id:          "b7a90176",
			Amount:      10,
			Unit:        "sat",
			SingleUse:   true,
			Mints:       []string{"https://8333.space:3338"},
			Description: "coffee",
			Transports: []Transport{
				{
					Type:   TransportNostr,
					Target: "nprofile1qy28wumn8ghj7un9d3shjtnyv9kh2uewd9hsz9mhwden5te0wfjkccte9curxven9eehqctrv5hszrthwden5te0dehhxtnvdakqqgydaqy7curk439ykptkysv7udhdhu68sucm295akqefdehkf0d495cwunl5",
					Tags:   [][]string{{"n", "17"}},
				},
				{Type: TransportPost, Target: "https://api.example.com/v1/payment"},
			},
		},
		// empty mints and description
		{
			Id:         "1",
			Unit:       "sat",
			Mints:      []string{},
			Transports: []Transport{{Type: TransportPost, Target: "https://example.com/pay"}},
		},
		{},
	}

	for _, test := range tests {
		encoded, err := test.Encode()
		if err != nil {
			t.Fatalf("unexpected error encoding: %v", err)
		}
		if !strings.HasPrefix(encoded, "creqA") {
			t.Fatalf("expected prefix 'creqA' but got '%v'", encoded[:5])
		}

		decoded, err := Decode(encoded)
		if err != nil {
			t.Fatalf("unexpected error decoding: %v", err)
		}
		if !decoded.Equal(test) {
			t.Fatalf("expected '%+v' but got '%+v'", test, decoded)
		}
	}
}

func TestDecodeUnpadded(t *testing.T) {
	request := PaymentRequest{Id: "a", Amount: 1, Unit: "sat"}
	requestBytes, _ := cbor.Marshal(request)

	padded := "creqA" + base64.URLEncoding.EncodeToString(requestBytes)
	unpadded := "creqA" + base64.RawURLEncoding.EncodeToString(requestBytes)

	for _, encoded := range []string{padded, unpadded} {
		decoded, err := Decode(encoded)
		if err != nil {
			t.Fatalf("unexpected error decoding '%v': %v", encoded, err)
		}
		if !decoded.Equal(request) {
			t.Fatalf("expected '%+v' but got '%+v'", request, decoded)
		}
	}
}

func TestDecodeAbsentFields(t *testing.T) {
	// only the amount is set
	requestBytes, _ := cbor.Marshal(map[string]any{"a": 21})
	decoded, err := Decode("creqA" + base64.RawURLEncoding.EncodeToString(requestBytes))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if decoded.Amount != 21 {
		t.Fatalf("expected '%v' but got '%v'", 21, decoded.Amount)
	}
	if decoded.Id != "" || decoded.SingleUse || len(decoded.Mints) != 0 || len(decoded.Transports) != 0 {
		t.Fatalf("expected absent fields to be empty but got '%+v'", decoded)
	}
}

func TestDecodeInvalid(t *testing.T) {
	tests := []string{
		"",
		"creqB" + base64.RawURLEncoding.EncodeToString([]byte{0xa0}),
		"creqA$$$",
		"creqA" + base64.RawURLEncoding.EncodeToString([]byte("not cbor")),
	}

	for _, test := range tests {
		_, err := Decode(test)
		if !errors.Is(err, ErrInvalidPaymentRequest) {
			t.Fatalf("expected '%v' but got '%v'", ErrInvalidPaymentRequest, err)
		}
	}
}

func TestAcceptsMint(t *testing.T) {
	tests := []struct {
		mints    []string
		mint     string
		expected bool
	}{
		{mints: nil, mint: "http://localhost:3338", expected: true},
		{mints: []string{"http://localhost:3338/"}, mint: "http://localhost:3338", expected: true},
		{mints: []string{"http://localhost:3338"}, mint: "http://localhost:3339", expected: false},
	}

	for _, test := range tests {
		request := PaymentRequest{Mints: test.mints}
		if accepts := request.AcceptsMint(test.mint); accepts != test.expected {
			t.Fatalf("expected '%v' but got '%v'", test.expected, accepts)
		}
	}
}

func TestPaymentPayload(t *testing.T) {
	proofs := cashu.Proofs{
		{
			Amount:  8,
			Id:      "009a1f293253e41e",
			Secret:  "secret",
			C:       "02bc9097997d81afb2cc7346b5e4345a9346bd2a506eb7958598a72f0cf85163ea",
			Witness: `{"signatures":["abc"]}`,
			DLEQ:    &cashu.DLEQProof{E: "e", S: "s", R: "r"},
		},
	}

	payload := NewPaymentPayload(PaymentRequest{Id: "req1"}, "http://localhost:3338", "thanks", proofs)
	payloadJson, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]any
	json.Unmarshal(payloadJson, &decoded)
	if decoded["id"] != "req1" || decoded["unit"] != "sat" || decoded["memo"] != "thanks" {
		t.Fatalf("unexpected payload '%s'", payloadJson)
	}

	proof := decoded["proofs"].([]any)[0].(map[string]any)
	if _, ok := proof["dleq"]; ok {
		t.Fatalf("expected dleq to not be sent but got '%s'", payloadJson)
	}
	if _, ok := proof["witness"].(string); !ok {
		t.Fatalf("expected witness as string but got '%v'", proof["witness"])
	}
}
