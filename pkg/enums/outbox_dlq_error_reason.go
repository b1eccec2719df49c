package enums

// OutboxDLQErrorReason records why a notification stopped being retried.
type OutboxDLQErrorReason string

const (
	// OutboxDLQReasonUnroutable marks rows whose event type has no registered topic.
	OutboxDLQReasonUnroutable   OutboxDLQErrorReason = "unroutable"
	OutboxDLQReasonNonRetryable OutboxDLQErrorReason = "non_retryable"
	OutboxDLQReasonMaxAttempts  OutboxDLQErrorReason = "max_attempts"
)

func (r OutboxDLQErrorReason) IsValid() bool {
	switch r {
	case OutboxDLQReasonUnroutable, OutboxDLQReasonNonRetryable, OutboxDLQReasonMaxAttempts:
		return true
	}
	return false
}
