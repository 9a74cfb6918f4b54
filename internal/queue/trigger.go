// Package queue publishes wake-up messages that start a drain of the
// notification queue in the email-worker Lambda.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"courier/internal/config"
	"courier/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// WakeMessage is the body of a wake-up. The worker only needs to know that
// there is work; the queue itself is the source of truth.
type WakeMessage struct {
	TriggerID string    `json:"trigger_id"`
	Reason    string    `json:"reason"`
	SentAt    time.Time `json:"sent_at"`
}

// ParseWakeMessage decodes a wake-up body.
func ParseWakeMessage(body string) (WakeMessage, error) {
	var msg WakeMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return msg, types.NewAppError(types.ErrCodeValidationInvalidJSON, "invalid wake message", err)
	}
	return msg, nil
}

// DispatchTrigger sends wake-ups to the dispatch queue.
//
// On a FIFO queue every wake-up in the same coalescing window shares a
// deduplication ID, so a burst of enqueues invokes the worker once.
type DispatchTrigger struct {
	client   SQSSender
	queueURL string
	fifo     bool
	coalesce time.Duration
	clock    types.Clock
	logger   types.Logger
}

// DefaultCoalesceWindow groups wake-ups on FIFO queues.
const DefaultCoalesceWindow = 5 * time.Second

// NewDispatchTrigger creates a DispatchTrigger for the dispatch queue in
// awsCfg.
func NewDispatchTrigger(client SQSSender, awsCfg config.AWSConfig, clock types.Clock, logger types.Logger) *DispatchTrigger {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &DispatchTrigger{
		client:   client,
		queueURL: awsCfg.DispatchQueueURL,
		fifo:     strings.HasSuffix(awsCfg.DispatchQueueURL, ".fifo"),
		coalesce: DefaultCoalesceWindow,
		clock:    clock,
		logger:   logger,
	}
}

// Wake publishes one wake-up. A trigger without a queue URL is a no-op.
func (t *DispatchTrigger) Wake(ctx context.Context, reason string) error {
	if t.queueURL == "" {
		return nil
	}

	now := t.clock.Now()
	msg := WakeMessage{
		TriggerID: uuid.NewString(),
		Reason:    reason,
		SentAt:    now,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal WakeMessage: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(t.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"reason": {
				DataType:    aws.String("String"),
				StringValue: aws.String(reason),
			},
		},
	}
	if t.fifo {
		bucket := now.Truncate(t.coalesce).Unix()
		input.MessageGroupId = aws.String("dispatch")
		input.MessageDeduplicationId = aws.String(fmt.Sprintf("wake-%d", bucket))
	}

	if _, err := t.client.SendMessage(ctx, input); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("failed to send wake-up to %s", t.queueURL), err)
	}

	t.logger.Info("dispatch wake-up sent",
		"trigger_id", msg.TriggerID,
		"reason", reason,
	)
	return nil
}
