package worker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/tkersh/orderworker/pkg/queue"
)

// validate holds the compiled struct validation rules for the wire payload.
var validate = validator.New()

// orderPayload is the raw wire shape. Required fields are pointers so a
// missing field is distinguishable from a zero value.
type orderPayload struct {
	UserID        *uint64 `json:"userId" validate:"required,gt=0"`
	ProductID     *uint64 `json:"productId" validate:"required,gt=0"`
	Quantity      *uint32 `json:"quantity" validate:"required,gte=1"`
	CorrelationID string  `json:"correlationId"`
	SubmittedAt   string  `json:"submittedAt"`
}

// ValidOrder is the only shape downstream pipeline steps ever see. The
// parse boundary produces it once; nothing past the boundary touches the
// raw body again.
type ValidOrder struct {
	UserID        uint64
	ProductID     uint64
	Quantity      uint32
	CorrelationID string
	SubmittedAt   time.Time
	DedupKey      string
}

// Rejection explains why a message can never be processed.
type Rejection struct {
	Reason queue.Reason
	Detail string
}

// ParsedMessage is the tagged result of the parse step: exactly one of
// Valid or Rejected is set.
type ParsedMessage struct {
	Valid    *ValidOrder
	Rejected *Rejection
}

// ParseOrder decodes and validates a message body. Malformed JSON, missing
// required fields, type mismatches, and a quantity below one are all
// permanent: the message will never parse differently on redelivery.
func ParseOrder(msg queue.Message) ParsedMessage {
	reject := func(detail string) ParsedMessage {
		return ParsedMessage{Rejected: &Rejection{Reason: queue.ReasonParseError, Detail: detail}}
	}

	var payload orderPayload
	if err := json.Unmarshal([]byte(msg.Body), &payload); err != nil {
		return reject(fmt.Sprintf("body is not a valid order: %v", err))
	}
	if err := validate.Struct(payload); err != nil {
		return reject(fmt.Sprintf("order failed validation: %v", err))
	}

	order := ValidOrder{
		UserID:        *payload.UserID,
		ProductID:     *payload.ProductID,
		Quantity:      *payload.Quantity,
		CorrelationID: payload.CorrelationID,
		DedupKey:      msg.DedupID,
	}
	if order.CorrelationID == "" {
		order.CorrelationID = uuid.NewString()
	}
	if payload.SubmittedAt != "" {
		submitted, err := time.Parse(time.RFC3339, payload.SubmittedAt)
		if err != nil {
			return reject(fmt.Sprintf("submittedAt is not a timestamp: %v", err))
		}
		order.SubmittedAt = submitted
	}
	return ParsedMessage{Valid: &order}
}
