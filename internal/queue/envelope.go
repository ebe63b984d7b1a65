package queue

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrDeliveryExhausted = errors.New("delivery attempts exhausted")
	ErrPublishNacked     = errors.New("broker did not confirm publish")
)

// Envelope is the order message carried on the queue. The ledger row stays authoritative;
// the envelope only tells a consumer which order to process and how often it has been retried.
type Envelope struct {
	OrderID   string `json:"orderId"`
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	Retries   int    `json:"retries"`
}

func (e Envelope) validate() error {
	switch {
	case e.OrderID == "":
		return errors.New("missing orderId")
	case e.ProductID == "":
		return errors.New("missing productId")
	case e.Quantity <= 0:
		return fmt.Errorf("invalid quantity %d", e.Quantity)
	case e.Retries < 0:
		return fmt.Errorf("invalid retries %d", e.Retries)
	}
	return nil
}

// DecodeEnvelope parses and validates a message body
func DecodeEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := env.validate(); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return env, nil
}
