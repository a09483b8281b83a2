package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"notifier/internal/engine"
	"notifier/internal/types"
)

// SQSBatchSender abstracts SendMessageBatch for testability. Production
// code uses the *sqs.Client from aws-sdk-go-v2.
type SQSBatchSender interface {
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
}

// sqsBatchLimit is the maximum number of entries per SendMessageBatch call.
const sqsBatchLimit = 10

var _ engine.EventPublisher = (*SQSEventPublisher)(nil)

// SQSEventPublisher publishes notifier events to the outbound event queue.
type SQSEventPublisher struct {
	client   SQSBatchSender
	queueURL string
	codec    *Codec
	logger   types.Logger
}

// NewSQSEventPublisher creates a publisher targeting queueURL.
func NewSQSEventPublisher(client SQSBatchSender, queueURL string, codec *Codec, logger types.Logger) *SQSEventPublisher {
	return &SQSEventPublisher{client: client, queueURL: queueURL, codec: codec, logger: logger}
}

// Publish sends events in batches of ten. Every batch is attempted; the
// returned error lists the events that could not be sent.
func (p *SQSEventPublisher) Publish(ctx context.Context, events []types.NotifierEvent) error {
	if len(events) == 0 {
		return nil
	}
	var failed []string
	for start := 0; start < len(events); start += sqsBatchLimit {
		end := min(start+sqsBatchLimit, len(events))

		entries := make([]sqstypes.SendMessageBatchRequestEntry, 0, end-start)
		for i := start; i < end; i++ {
			body, encoding, err := encodeEvent(p.codec, events[i])
			if err != nil {
				failed = append(failed, events[i].RequestID)
				continue
			}
			entries = append(entries, sqstypes.SendMessageBatchRequestEntry{
				Id:                aws.String(strconv.Itoa(i)),
				MessageBody:       aws.String(body),
				MessageAttributes: eventAttributes(events[i], encoding),
			})
		}
		if len(entries) == 0 {
			continue
		}

		out, err := p.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(p.queueURL),
			Entries:  entries,
		})
		if err != nil {
			p.logger.Error("failed to publish notifier events", "count", len(entries), "error", err)
			for _, e := range entries {
				i, _ := strconv.Atoi(aws.ToString(e.Id))
				failed = append(failed, events[i].RequestID)
			}
			continue
		}
		for _, f := range out.Failed {
			i, convErr := strconv.Atoi(aws.ToString(f.Id))
			if convErr != nil || i < start || i >= end {
				continue
			}
			p.logger.Warn("notifier event rejected by queue",
				"request_id", events[i].RequestID,
				"code", aws.ToString(f.Code),
				"message", aws.ToString(f.Message),
			)
			failed = append(failed, events[i].RequestID)
		}
	}

	if len(failed) > 0 {
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamQueue,
			fmt.Sprintf("failed to publish %d of %d notifier events", len(failed), len(events)), nil,
			map[string]any{"request_ids": failed})
	}
	p.logger.Info("notifier events published", "count", len(events))
	return nil
}

func encodeEvent(codec *Codec, e types.NotifierEvent) (string, string, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return "", "", fmt.Errorf("queue: failed to marshal notifier event: %w", err)
	}
	if codec == nil {
		return string(raw), "", nil
	}
	body, encoding := codec.Encode(raw)
	return body, encoding, nil
}

func eventAttributes(e types.NotifierEvent, encoding string) map[string]sqstypes.MessageAttributeValue {
	attrs := map[string]sqstypes.MessageAttributeValue{
		types.AttrTenant: stringAttr(e.Tenant),
		types.AttrState:  stringAttr(string(e.State)),
	}
	if encoding != "" {
		attrs[types.AttrContentEncoding] = stringAttr(encoding)
	}
	return attrs
}

func stringAttr(v string) sqstypes.MessageAttributeValue {
	if v == "" {
		v = "-"
	}
	return sqstypes.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
}

// routingKey is "<tenant>.<state>" in lower case, for topic exchanges.
func routingKey(e types.NotifierEvent) string {
	return strings.ToLower(e.Tenant + "." + string(e.State))
}
