package plugins

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"notifier/internal/engine"
	"notifier/internal/types"
)

// SQSForwardPluginID forwards requests to an SQS queue owned by a
// downstream consumer.
const SQSForwardPluginID = "sqs_forward"

// sqsBatchLimit is the SQS SendMessageBatch entry limit.
const sqsBatchLimit = 10

type sqsForwardRecipient struct {
	recipientTraits
	queueURL string
	client   SQSBatchSender
	logger   types.Logger
}

// newSQSForwardRecipient reads queue_url (required).
func newSQSForwardRecipient(_ context.Context, cfg types.PluginConfiguration, deps Deps) (engine.RecipientNotifier, error) {
	if deps.SQS == nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamQueue, "no SQS client configured", nil)
	}
	traits, err := parseTraits(cfg)
	if err != nil {
		return nil, err
	}
	queueURL, err := stringParam(cfg.Parameters, "queue_url", true)
	if err != nil {
		return nil, err
	}
	return &sqsForwardRecipient{
		recipientTraits: traits,
		queueURL:        queueURL,
		client:          deps.SQS,
		logger:          deps.logger().With("plugin_id", cfg.BusinessID),
	}, nil
}

// Send forwards in batches of ten. Entry ids are positions in reqs so
// per-entry failures map back to requests.
func (s *sqsForwardRecipient) Send(ctx context.Context, reqs []*types.NotificationRequest) ([]*types.NotificationRequest, error) {
	var failed []*types.NotificationRequest
	for start := 0; start < len(reqs); start += sqsBatchLimit {
		end := min(start+sqsBatchLimit, len(reqs))

		entries := make([]sqstypes.SendMessageBatchRequestEntry, 0, end-start)
		for i := start; i < end; i++ {
			body, err := json.Marshal(WebhookBody{
				RequestID:   reqs[i].RequestID,
				Owner:       reqs[i].Owner,
				Tenant:      reqs[i].Tenant,
				RequestDate: reqs[i].RequestDate,
				Payload:     reqs[i].Payload,
				Metadata:    reqs[i].Metadata,
			})
			if err != nil {
				failed = append(failed, reqs[i])
				continue
			}
			entries = append(entries, sqstypes.SendMessageBatchRequestEntry{
				Id:          aws.String(strconv.Itoa(i)),
				MessageBody: aws.String(string(body)),
				MessageAttributes: map[string]sqstypes.MessageAttributeValue{
					types.AttrTenant: {DataType: aws.String("String"), StringValue: aws.String(reqs[i].Tenant)},
				},
			})
		}
		if len(entries) == 0 {
			continue
		}

		out, err := s.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(s.queueURL),
			Entries:  entries,
		})
		if err != nil {
			s.logger.Error("sqs forward batch failed", "count", len(entries), "error", err)
			for _, e := range entries {
				i, _ := strconv.Atoi(aws.ToString(e.Id))
				failed = append(failed, reqs[i])
			}
			continue
		}
		for _, f := range out.Failed {
			i, convErr := strconv.Atoi(aws.ToString(f.Id))
			if convErr != nil || i < start || i >= end {
				continue
			}
			s.logger.Warn("sqs forward entry failed",
				"request_id", reqs[i].RequestID,
				"code", aws.ToString(f.Code),
				"message", aws.ToString(f.Message),
			)
			failed = append(failed, reqs[i])
		}
	}
	return failed, nil
}
