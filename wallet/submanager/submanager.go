// Package submanager keeps a NUT-17 websocket connection to a mint
// and routes the notifications to their subscriptions.
package submanager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/elnosh/nutsack/cashu/nuts/nut06"
	"github.com/elnosh/nutsack/cashu/nuts/nut17"
	"github.com/elnosh/nutsack/wallet/client"
	"github.com/gorilla/websocket"
)

const (
	subscribeTimeout     = 10 * time.Second
	notificationsBufSize = 32
)

var (
	ErrNUT17NotSupported = errors.New("NUT-17 Not supported")
	ErrClosed            = errors.New("subscription manager closed")
)

type SubscriptionManager struct {
	wsConn  *websocket.Conn
	writeMu sync.Mutex

	mu        sync.Mutex
	subs      map[string]*Subscription
	requests  map[int]chan result
	idCounter int

	nuts      nut06.Nuts
	logger    *slog.Logger
	done      chan struct{}
	closeOnce sync.Once
}

type result struct {
	response nut17.WsResponse
	err      error
}

// NewSubscriptionManager dials the websocket endpoint of the mint and starts
// reading messages from it. Close must be called to release the connection.
func NewSubscriptionManager(ctx context.Context, mint string, logger *slog.Logger) (*SubscriptionManager, error) {
	mintInfo, err := client.GetMintInfo(ctx, mint)
	if err != nil {
		return nil, fmt.Errorf("could not get mint info: %w", err)
	}
	if mintInfo.Nuts.Nut17 == nil || len(mintInfo.Nuts.Nut17.Supported) == 0 {
		return nil, ErrNUT17NotSupported
	}

	wsURL, err := websocketURL(mint)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("could not connect to mint websocket: %w", err)
	}

	sm := &SubscriptionManager{
		wsConn:   conn,
		subs:     make(map[string]*Subscription),
		requests: make(map[int]chan result),
		nuts:     mintInfo.Nuts,
		logger:   logger,
		done:     make(chan struct{}),
	}
	go sm.readLoop()

	return sm, nil
}

func websocketURL(mint string) (string, error) {
	mintURL, err := url.Parse(mint)
	if err != nil {
		return "", fmt.Errorf("invalid mint url: %v", err)
	}

	scheme := "ws"
	if mintURL.Scheme == "https" {
		scheme = "wss"
	}
	return scheme + "://" + mintURL.Host + strings.TrimSuffix(mintURL.Path, "/") + "/v1/ws", nil
}

func (sm *SubscriptionManager) Close() error {
	var err error
	sm.closeOnce.Do(func() {
		close(sm.done)
		err = sm.wsConn.Close()
	})
	return err
}

// Done is closed once the connection to the mint is gone.
func (sm *SubscriptionManager) Done() <-chan struct{} {
	return sm.done
}

func (sm *SubscriptionManager) readLoop() {
	defer func() {
		sm.Close()
		sm.mu.Lock()
		for subId, sub := range sm.subs {
			close(sub.notifications)
			delete(sm.subs, subId)
		}
		for id, request := range sm.requests {
			request <- result{err: ErrClosed}
			delete(sm.requests, id)
		}
		sm.mu.Unlock()
	}()

	for {
		_, msg, err := sm.wsConn.ReadMessage()
		if err != nil {
			select {
			case <-sm.done:
			default:
				sm.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		sm.dispatch(msg)
	}
}

func (sm *SubscriptionManager) dispatch(msg []byte) {
	var notification nut17.WsNotification
	if err := json.Unmarshal(msg, &notification); err == nil {
		sm.mu.Lock()
		defer sm.mu.Unlock()

		sub, ok := sm.subs[notification.Params.SubId]
		if !ok {
			return
		}
		select {
		case sub.notifications <- notification:
		default:
			sm.logger.Warn("dropping notification for slow subscription", "subId", sub.subId)
		}
		return
	}

	var response nut17.WsResponse
	if err := json.Unmarshal(msg, &response); err == nil {
		sm.complete(response.Id, result{response: response})
		return
	}

	var wsError nut17.WsError
	if err := json.Unmarshal(msg, &wsError); err == nil {
		sm.complete(wsError.Id, result{err: wsError})
		return
	}

	sm.logger.Debug("unknown websocket message", "message", string(msg))
}

func (sm *SubscriptionManager) complete(id int, res result) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if request, ok := sm.requests[id]; ok {
		request <- res
		delete(sm.requests, id)
	}
}

// send writes the request and waits for the response with the same id.
func (sm *SubscriptionManager) send(ctx context.Context, build func(id int) nut17.WsRequest) (nut17.WsResponse, error) {
	select {
	case <-sm.done:
		return nut17.WsResponse{}, ErrClosed
	default:
	}

	sm.mu.Lock()
	id := sm.idCounter
	sm.idCounter++
	responseChan := make(chan result, 1)
	sm.requests[id] = responseChan
	sm.mu.Unlock()

	forget := func() {
		sm.mu.Lock()
		delete(sm.requests, id)
		sm.mu.Unlock()
	}

	sm.writeMu.Lock()
	err := sm.wsConn.WriteJSON(build(id))
	sm.writeMu.Unlock()
	if err != nil {
		forget()
		return nut17.WsResponse{}, err
	}

	timer := time.NewTimer(subscribeTimeout)
	defer timer.Stop()

	select {
	case res := <-responseChan:
		return res.response, res.err
	case <-ctx.Done():
		forget()
		return nut17.WsResponse{}, ctx.Err()
	case <-timer.C:
		forget()
		return nut17.WsResponse{}, errors.New("mint did not respond to request")
	case <-sm.done:
		forget()
		return nut17.WsResponse{}, ErrClosed
	}
}

func (sm *SubscriptionManager) Subscribe(
	ctx context.Context,
	kind nut17.SubscriptionKind,
	filters []string,
) (*Subscription, error) {
	if len(filters) < 1 {
		return nil, errors.New("filters cannot be empty")
	}
	if !sm.IsSubscriptionKindSupported(kind) {
		return nil, fmt.Errorf("subscription to %s not supported by mint", kind)
	}

	hash := sha256.Sum256([]byte(kind.String() + filters[0]))
	subId := hex.EncodeToString(hash[:])

	sub := &Subscription{
		subId:         subId,
		kind:          kind,
		notifications: make(chan nut17.WsNotification, notificationsBufSize),
	}
	// register before the request so no notification is missed
	sm.mu.Lock()
	if _, ok := sm.subs[subId]; ok {
		sm.mu.Unlock()
		return nil, fmt.Errorf("already subscribed to %v", filters[0])
	}
	sm.subs[subId] = sub
	sm.mu.Unlock()

	response, err := sm.send(ctx, func(id int) nut17.WsRequest {
		return nut17.NewSubscribeRequest(kind, subId, filters, id)
	})
	if err == nil && response.Result.Status != nut17.OK {
		err = fmt.Errorf("mint returned status '%v'", response.Result.Status)
	}
	if err != nil {
		sm.removeSubscription(subId)
		return nil, fmt.Errorf("could not setup subscription to mint: %w", err)
	}

	return sub, nil
}

func (sm *SubscriptionManager) Unsubscribe(ctx context.Context, subId string) error {
	sm.mu.Lock()
	_, ok := sm.subs[subId]
	sm.mu.Unlock()
	if !ok {
		return errors.New("subscription does not exist")
	}

	sm.removeSubscription(subId)
	_, err := sm.send(ctx, func(id int) nut17.WsRequest {
		return nut17.NewUnsubscribeRequest(subId, id)
	})
	if err != nil {
		return fmt.Errorf("could not unsubscribe from mint: %w", err)
	}
	return nil
}

func (sm *SubscriptionManager) removeSubscription(subId string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sub, ok := sm.subs[subId]; ok {
		close(sub.notifications)
		delete(sm.subs, subId)
	}
}

func (sm *SubscriptionManager) IsSubscriptionKindSupported(kind nut17.SubscriptionKind) bool {
	return sm.nuts.SupportsWebSocket(kind.String())
}

type Subscription struct {
	subId         string
	kind          nut17.SubscriptionKind
	notifications chan nut17.WsNotification
}

// Notifications is closed when the subscription is removed
// or the connection to the mint is lost.
func (s *Subscription) Notifications() <-chan nut17.WsNotification {
	return s.notifications
}

func (s *Subscription) Read(ctx context.Context) (nut17.WsNotification, error) {
	select {
	case msg, ok := <-s.notifications:
		if !ok {
			return nut17.WsNotification{}, errors.New("could not read from subscription. Channel got closed")
		}
		return msg, nil
	case <-ctx.Done():
		return nut17.WsNotification{}, ctx.Err()
	}
}

func (s *Subscription) SubId() string {
	return s.subId
}
