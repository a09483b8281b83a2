package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"notifier/internal/engine"
	"notifier/internal/types"
)

var _ engine.JobDispatcher = (*SQSJobDispatcher)(nil)

// SQSJobDispatcher enqueues pointers to committed delivery jobs. The job
// row is the source of truth; a lost message is picked up by crash
// recovery once the job goes stale.
type SQSJobDispatcher struct {
	client   SQSBatchSender
	queueURL string
	logger   types.Logger
}

// NewSQSJobDispatcher creates a dispatcher targeting the delivery job queue.
func NewSQSJobDispatcher(client SQSBatchSender, queueURL string, logger types.Logger) *SQSJobDispatcher {
	return &SQSJobDispatcher{client: client, queueURL: queueURL, logger: logger}
}

// Dispatch sends one message per job, in batches of ten.
func (d *SQSJobDispatcher) Dispatch(ctx context.Context, jobs []types.DeliveryJob) error {
	var failed []string
	for start := 0; start < len(jobs); start += sqsBatchLimit {
		end := min(start+sqsBatchLimit, len(jobs))

		entries := make([]sqstypes.SendMessageBatchRequestEntry, 0, end-start)
		for _, job := range jobs[start:end] {
			body, err := json.Marshal(types.JobMessage{JobID: job.ID, Tenant: job.Tenant})
			if err != nil {
				failed = append(failed, job.ID)
				continue
			}
			entries = append(entries, sqstypes.SendMessageBatchRequestEntry{
				Id:          aws.String(job.ID),
				MessageBody: aws.String(string(body)),
				MessageAttributes: map[string]sqstypes.MessageAttributeValue{
					types.AttrTenant: stringAttr(job.Tenant),
				},
			})
		}
		if len(entries) == 0 {
			continue
		}

		out, err := d.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(d.queueURL),
			Entries:  entries,
		})
		if err != nil {
			d.logger.Error("failed to dispatch delivery jobs", "count", len(entries), "error", err)
			for _, e := range entries {
				failed = append(failed, aws.ToString(e.Id))
			}
			continue
		}
		for _, f := range out.Failed {
			d.logger.Warn("delivery job rejected by queue", "job_id", aws.ToString(f.Id), "code", aws.ToString(f.Code))
			failed = append(failed, aws.ToString(f.Id))
		}
	}

	if len(failed) > 0 {
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamQueue,
			fmt.Sprintf("failed to dispatch %d of %d delivery jobs", len(failed), len(jobs)), nil,
			map[string]any{"job_ids": failed})
	}
	return nil
}

// DecodeJobMessage parses a delivery queue body.
func DecodeJobMessage(body string) (types.JobMessage, error) {
	var msg types.JobMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return msg, types.NewAppError(types.ErrCodeValidationInvalidJSON, "job message is not valid JSON", err)
	}
	if msg.JobID == "" {
		return msg, types.NewAppError(types.ErrCodeValidationMissingField, "job message has no job_id", nil)
	}
	return msg, nil
}
