package types

// Message attribute names shared by the SQS and AMQP transports.
const (
	// AttrTenant carries the tenant of an inbound request event batch.
	AttrTenant = "tenant"
	// AttrContentEncoding is set to ContentEncodingZstd when the body is
	// zstd-compressed and base64-encoded.
	AttrContentEncoding = "content-encoding"
	// AttrState carries the published state of an outbound event so
	// consumers can filter without decoding the body.
	AttrState = "state"

	ContentEncodingZstd = "zstd"
)

// JobMessage is the delivery queue payload. The job row carries everything
// else; the message only points at it.
type JobMessage struct {
	JobID  string `json:"job_id"`
	Tenant string `json:"tenant"`
}

// InvalidationMessage clears the rule and plugin caches of a tenant on every
// engine instance.
type InvalidationMessage struct {
	Tenant string `json:"tenant"`
	Origin string `json:"origin"`
}
