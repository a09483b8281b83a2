package queue

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"notifier/internal/types"
)

// TenantBatch is the slice of an inbound SQS batch addressed to one tenant.
type TenantBatch struct {
	Tenant     string
	Events     []types.RequestEvent
	MessageIDs []string
}

// RejectedMessage is an inbound message that could not be decoded into a
// request event. It carries no usable request id, so no DENIED event can be
// published for it.
type RejectedMessage struct {
	MessageID string
	Err       error
}

// GroupRequestEvents decodes inbound messages and groups them by the tenant
// attribute, falling back to defaultTenant. Batches keep the order in which
// tenants first appear.
func GroupRequestEvents(codec *Codec, defaultTenant string, msgs []events.SQSMessage) ([]TenantBatch, []RejectedMessage) {
	var (
		batches  []TenantBatch
		index    = make(map[string]int)
		rejected []RejectedMessage
	)
	for _, msg := range msgs {
		ev, err := decodeRequestEvent(codec, msg)
		if err != nil {
			rejected = append(rejected, RejectedMessage{MessageID: msg.MessageId, Err: err})
			continue
		}
		tenant := attribute(msg, types.AttrTenant)
		if tenant == "" {
			tenant = defaultTenant
		}
		if tenant == "" {
			rejected = append(rejected, RejectedMessage{MessageID: msg.MessageId, Err: fmt.Errorf("message has no %s attribute", types.AttrTenant)})
			continue
		}

		i, ok := index[tenant]
		if !ok {
			i = len(batches)
			index[tenant] = i
			batches = append(batches, TenantBatch{Tenant: tenant})
		}
		batches[i].Events = append(batches[i].Events, ev)
		batches[i].MessageIDs = append(batches[i].MessageIDs, msg.MessageId)
	}
	return batches, rejected
}

func decodeRequestEvent(codec *Codec, msg events.SQSMessage) (types.RequestEvent, error) {
	var ev types.RequestEvent

	body := []byte(msg.Body)
	if encoding := attribute(msg, types.AttrContentEncoding); encoding != "" {
		if codec == nil {
			return ev, fmt.Errorf("message is %s encoded but no codec is configured", encoding)
		}
		var err error
		if body, err = codec.Decode(msg.Body, encoding); err != nil {
			return ev, err
		}
	}
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, types.NewAppError(types.ErrCodeValidationInvalidJSON, "request event is not valid JSON", err)
	}
	return ev, nil
}

func attribute(msg events.SQSMessage, name string) string {
	attr, ok := msg.MessageAttributes[name]
	if !ok || attr.StringValue == nil {
		return ""
	}
	return strings.TrimSpace(*attr.StringValue)
}
