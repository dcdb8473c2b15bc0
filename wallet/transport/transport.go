// Package transport delivers the payload paying a payment request
// through the transports listed in the request.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/elnosh/nutsack/cashu/nuts/nut18"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip19"
)

var ErrDeliveryFailed = errors.New("could not deliver payment")

// RelayPublisher publishes nostr events to a relay.
type RelayPublisher interface {
	Publish(ctx context.Context, relayURL string, event nostr.Event) error
}

// RelayPool connects to the relay on every publish.
type RelayPool struct{}

func NewRelayPool() *RelayPool {
	return &RelayPool{}
}

func (rp *RelayPool) Publish(ctx context.Context, relayURL string, event nostr.Event) error {
	relay, err := nostr.RelayConnect(ctx, relayURL)
	if err != nil {
		return fmt.Errorf("could not connect to relay '%v': %v", relayURL, err)
	}
	defer relay.Close()

	return relay.Publish(ctx, event)
}

type Dispatcher struct {
	httpClient *http.Client
	publisher  RelayPublisher
	// used with the relays in the nprofile of a nostr transport
	relays []string
	logger *slog.Logger
}

func NewDispatcher(publisher RelayPublisher, relays []string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		publisher:  publisher,
		relays:     relays,
		logger:     logger,
	}
}

// Deliver sends the payload to the first post transport that accepts it.
// If none does, it tries the nostr transports.
func (d *Dispatcher) Deliver(ctx context.Context, request nut18.PaymentRequest, payload nut18.PaymentPayload) error {
	var errs []error

	for _, transport := range request.TransportsOfType(nut18.TransportPost) {
		err := d.Post(ctx, transport.Target, payload)
		if err == nil {
			return nil
		}
		d.logger.Info("could not deliver payment", slog.String("target", transport.Target), slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	for _, transport := range request.TransportsOfType(nut18.TransportNostr) {
		err := d.SendNostr(ctx, transport.Target, payload)
		if err == nil {
			return nil
		}
		d.logger.Info("could not deliver payment", slog.String("target", transport.Target), slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		return fmt.Errorf("%w: request has no supported transport", ErrDeliveryFailed)
	}
	return fmt.Errorf("%w: %w", ErrDeliveryFailed, errors.Join(errs...))
}

// Post sends the payload as json to target. Any 2xx response is a success.
func (d *Dispatcher) Post(ctx context.Context, target string, payload nut18.PaymentPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("'%v' returned status %v: %s", target, resp.StatusCode, respBody)
	}
	return nil
}

// SendNostr sends the payload as an encrypted direct message (NIP-04)
// from a new key to the nprofile or npub in target.
func (d *Dispatcher) SendNostr(ctx context.Context, target string, payload nut18.PaymentPayload) error {
	pubkey, relays, err := decodeNostrTarget(target)
	if err != nil {
		return err
	}
	for _, relay := range d.relays {
		if !slices.Contains(relays, relay) {
			relays = append(relays, relay)
		}
	}
	if len(relays) == 0 {
		return errors.New("no relays to send the payment")
	}

	event, err := encryptedMessage(pubkey, payload)
	if err != nil {
		return err
	}

	var errs []error
	for _, relay := range relays {
		if err := d.publisher.Publish(ctx, relay, event); err != nil {
			errs = append(errs, fmt.Errorf("relay '%v': %v", relay, err))
			continue
		}
		return nil
	}
	return errors.Join(errs...)
}

func decodeNostrTarget(target string) (string, []string, error) {
	prefix, value, err := nip19.Decode(target)
	if err != nil {
		return "", nil, fmt.Errorf("invalid nostr target: %v", err)
	}

	switch v := value.(type) {
	case nostr.ProfilePointer:
		return v.PublicKey, v.Relays, nil
	case *nostr.ProfilePointer:
		return v.PublicKey, v.Relays, nil
	case string:
		if prefix == "npub" {
			return v, nil, nil
		}
	}
	return "", nil, fmt.Errorf("unsupported nostr target '%v'", prefix)
}

func encryptedMessage(pubkey string, payload nut18.PaymentPayload) (nostr.Event, error) {
	content, err := json.Marshal(payload)
	if err != nil {
		return nostr.Event{}, err
	}

	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nostr.Event{}, err
	}

	sharedSecret, err := nip04.ComputeSharedSecret(pubkey, sk)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("invalid nostr pubkey: %v", err)
	}
	encrypted, err := nip04.Encrypt(string(content), sharedSecret)
	if err != nil {
		return nostr.Event{}, err
	}

	event := nostr.Event{
		PubKey:    pk,
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindEncryptedDirectMessage,
		Tags:      nostr.Tags{{"p", pubkey}},
		Content:   encrypted,
	}
	if err := event.Sign(sk); err != nil {
		return nostr.Event{}, err
	}
	return event, nil
}

// DecryptPayload reads the payload from a direct message sent to the key sk.
func DecryptPayload(event nostr.Event, sk string) (nut18.PaymentPayload, error) {
	sharedSecret, err := nip04.ComputeSharedSecret(event.PubKey, sk)
	if err != nil {
		return nut18.PaymentPayload{}, err
	}
	content, err := nip04.Decrypt(event.Content, sharedSecret)
	if err != nil {
		return nut18.PaymentPayload{}, err
	}

	var payload nut18.PaymentPayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nut18.PaymentPayload{}, err
	}
	return payload, nil
}
