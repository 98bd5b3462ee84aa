package connection

import (
	"encoding/json"
	"fmt"

	"github.com/rickgao/coinpulse/internal/model"
)

// frame is a decoded server message. Exactly one payload is set, matching Type.
type frame struct {
	Type  string
	Price PriceUpdateMessage
	Ack   AckMessage
}

// messageEnvelope is used for type extraction before the full parse.
type messageEnvelope struct {
	Type string `json:"type"`
}

// decodeFrame parses a raw server message.
func decodeFrame(data []byte) (frame, error) {
	if len(data) == 0 {
		return frame{}, ErrEmptyFrame
	}

	var env messageEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return frame{}, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Type {
	case TypePriceUpdate:
		msg, err := DecodePriceUpdate(data)
		if err != nil {
			return frame{}, err
		}
		return frame{Type: env.Type, Price: msg}, nil

	case TypeSubscribed, TypeUnsubscribed, TypeError:
		var ack AckMessage
		if err := json.Unmarshal(data, &ack); err != nil {
			return frame{}, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return frame{Type: env.Type, Ack: ack}, nil
	}

	return frame{Type: env.Type}, nil
}

// DecodePriceUpdate parses and validates a price_update message.
func DecodePriceUpdate(data []byte) (PriceUpdateMessage, error) {
	var msg PriceUpdateMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return PriceUpdateMessage{}, fmt.Errorf("decode price update: %w", err)
	}
	if msg.CoinID == "" {
		return PriceUpdateMessage{}, ErrMissingCoinID
	}
	if msg.Price == "" {
		return PriceUpdateMessage{}, ErrMissingPrice
	}
	return msg, nil
}

// EncodeSubscription builds a subscription request frame.
func EncodeSubscription(action Action, coinIDs []string) ([]byte, error) {
	return json.Marshal(SubscriptionRequest{Action: action, CoinIDs: coinIDs})
}

// ToModel converts the wire message to the shared model type.
func (m PriceUpdateMessage) ToModel() model.PriceUpdate {
	return model.PriceUpdate{
		CoinID:    m.CoinID,
		Price:     m.Price,
		Timestamp: m.Timestamp,
		Source:    model.SourceWebSocket,
	}
}

// NewPriceUpdateMessage converts a model update to its wire form.
func NewPriceUpdateMessage(u model.PriceUpdate) PriceUpdateMessage {
	return PriceUpdateMessage{
		Type:      TypePriceUpdate,
		CoinID:    u.CoinID,
		Price:     u.Price,
		Timestamp: u.Timestamp,
	}
}
