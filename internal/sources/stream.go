package sources

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Super-Protocol/price-proxy/internal/model"
	"github.com/Super-Protocol/price-proxy/internal/netx/wsclient"
)

// StreamCodec is the adapter-specific half of a stream service: how pairs map
// to the provider's subscription identifiers and how frames encode quotes.
type StreamCodec struct {
	// IdentifierFor converts a pair to the provider's subscription key
	// (e.g. "btcusdt@ticker" on binance, "BTC-USDT" on okx).
	IdentifierFor func(model.Pair) string
	// SubscribeMsg and UnsubscribeMsg build the wire messages for a set of
	// identifiers.
	SubscribeMsg   func(identifiers []string) interface{}
	UnsubscribeMsg func(identifiers []string) interface{}
	// Decode extracts (identifier, price) from an inbound frame. ok=false
	// means the frame carried no quote (acks, status frames, heartbeats).
	Decode func(raw []byte, parsed interface{}) (identifier string, price string, ok bool)
}

type streamSubscriber struct {
	onQuote QuoteHandler
	onError ErrorHandler
}

// BaseStreamService carries the life cycle shared by every streaming adapter:
// identifier/pair bookkeeping, resubscribe-on-reconnect and quote fan-out.
// Adapter specifics are injected through the codec and the wsclient options.
type BaseStreamService struct {
	source model.SourceName
	codec  StreamCodec
	ws     *wsclient.Client

	mu        sync.Mutex
	pairByID  map[string]model.Pair              // identifier -> pair
	idByPair  map[string]string                  // pair key -> identifier
	subsByID  map[string]map[string]streamSubscriber // identifier -> sub id -> handlers
	idOfSub   map[string]string                  // sub id -> identifier
	connected bool
}

// NewBaseStreamService wires the codec into a reconnecting WebSocket client.
// wsOpts.Handlers is owned by the service and must be left zero by callers.
func NewBaseStreamService(source model.SourceName, codec StreamCodec, wsOpts wsclient.Options) *BaseStreamService {
	s := &BaseStreamService{
		source:   source,
		codec:    codec,
		pairByID: make(map[string]model.Pair),
		idByPair: make(map[string]string),
		subsByID: make(map[string]map[string]streamSubscriber),
		idOfSub:  make(map[string]string),
	}
	wsOpts.Source = source
	wsOpts.Handlers = wsclient.Handlers{
		OnMessage:   s.handleMessage,
		OnReconnect: s.resubscribeAll,
		OnError: func(err error) {
			log.Warn().Err(err).Str("source", string(source)).Msg("stream error")
		},
	}
	s.ws = wsclient.New(wsOpts)
	return s
}

// Connect opens the upstream socket. Safe to call when already connected.
func (s *BaseStreamService) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.ws.Connect(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return nil
}

// Disconnect closes the socket and forgets connection state; subscriptions
// remain tracked so a later Connect can restore them.
func (s *BaseStreamService) Disconnect() error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	return s.ws.Close()
}

// IsConnected reports whether the upstream socket is open.
func (s *BaseStreamService) IsConnected() bool {
	return s.ws.IsOpen()
}

// Subscribe registers handlers for a pair and, on the first subscriber for
// that pair, sends the provider subscription. Returns the subscription id.
func (s *BaseStreamService) Subscribe(pair model.Pair, onQuote QuoteHandler, onError ErrorHandler) (string, error) {
	identifier := s.codec.IdentifierFor(pair)
	if identifier == "" {
		return "", fmt.Errorf("no stream identifier for %s on %s", pair, s.source)
	}

	subID := uuid.NewString()

	s.mu.Lock()
	first := len(s.subsByID[identifier]) == 0
	if s.subsByID[identifier] == nil {
		s.subsByID[identifier] = make(map[string]streamSubscriber)
	}
	s.subsByID[identifier][subID] = streamSubscriber{onQuote: onQuote, onError: onError}
	s.idOfSub[subID] = identifier
	s.pairByID[identifier] = pair
	s.idByPair[pair.Key()] = identifier
	s.mu.Unlock()

	if first {
		s.ws.Send(s.codec.SubscribeMsg([]string{identifier}))
		log.Debug().
			Str("source", string(s.source)).
			Str("pair", pair.Key()).
			Str("identifier", identifier).
			Msg("stream subscribed")
	}
	return subID, nil
}

// Unsubscribe removes one subscription; the provider unsubscribe is sent only
// when the last subscriber for the identifier is gone.
func (s *BaseStreamService) Unsubscribe(subID string) error {
	s.mu.Lock()
	identifier, ok := s.idOfSub[subID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown subscription %s", subID)
	}
	delete(s.idOfSub, subID)
	delete(s.subsByID[identifier], subID)
	last := len(s.subsByID[identifier]) == 0
	var pair model.Pair
	if last {
		delete(s.subsByID, identifier)
		pair = s.pairByID[identifier]
		delete(s.pairByID, identifier)
		delete(s.idByPair, pair.Key())
	}
	s.mu.Unlock()

	if last {
		s.ws.Send(s.codec.UnsubscribeMsg([]string{identifier}))
		log.Debug().
			Str("source", string(s.source)).
			Str("pair", pair.Key()).
			Msg("stream unsubscribed")
	}
	return nil
}

// handleMessage decodes a frame and fans the quote out to the identifier's
// subscribers.
func (s *BaseStreamService) handleMessage(raw []byte, parsed interface{}) {
	identifier, price, ok := s.codec.Decode(raw, parsed)
	if !ok {
		return
	}

	s.mu.Lock()
	pair, known := s.pairByID[identifier]
	subs := make([]streamSubscriber, 0, len(s.subsByID[identifier]))
	for _, sub := range s.subsByID[identifier] {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	if !known {
		return
	}

	quote, err := model.NewQuote(pair, price, time.Now())
	if err != nil {
		log.Debug().Err(err).Str("source", string(s.source)).Msg("dropping stream quote with invalid price")
		for _, sub := range subs {
			if sub.onError != nil {
				sub.onError(err)
			}
		}
		return
	}
	for _, sub := range subs {
		if sub.onQuote != nil {
			sub.onQuote(quote)
		}
	}
}

// resubscribeAll restores every tracked identifier after a reconnect.
func (s *BaseStreamService) resubscribeAll() {
	s.mu.Lock()
	identifiers := make([]string, 0, len(s.subsByID))
	for identifier := range s.subsByID {
		identifiers = append(identifiers, identifier)
	}
	s.mu.Unlock()

	if len(identifiers) == 0 {
		return
	}
	s.ws.Send(s.codec.SubscribeMsg(identifiers))
	log.Info().
		Str("source", string(s.source)).
		Int("identifiers", len(identifiers)).
		Msg("resubscribed after reconnect")
}
