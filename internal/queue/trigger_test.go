package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"courier/internal/config"
	"courier/internal/notifications/core"
	"courier/internal/types"
)

// --- Mock SQS Client ---

// mockSQSSender captures SendMessage calls for test assertions.
type mockSQSSender struct {
	calls []*sqs.SendMessageInput
	err   error
}

func (m *mockSQSSender) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.calls = append(m.calls, params)
	if m.err != nil {
		return nil, m.err
	}
	return &sqs.SendMessageOutput{}, nil
}

type fixedClock struct{ t time.Time }

func (c *fixedClock) Now() time.Time { return c.t }

// --- Test Helpers ---

const (
	testStandardURL = "https://sqs.us-east-1.amazonaws.com/123456789/courier-dispatch"
	testFifoURL     = "https://sqs.us-east-1.amazonaws.com/123456789/courier-dispatch.fifo"
)

var _ core.Waker = (*DispatchTrigger)(nil)

func newTestTrigger(mock *mockSQSSender, url string, clock types.Clock) *DispatchTrigger {
	return NewDispatchTrigger(mock, config.AWSConfig{DispatchQueueURL: url}, clock, nil)
}

// --- Tests ---

func TestWake_SendsMessage(t *testing.T) {
	mock := &mockSQSSender{}
	clock := &fixedClock{t: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)}
	trigger := newTestTrigger(mock, testStandardURL, clock)

	if err := trigger.Wake(context.Background(), "enqueue"); err != nil {
		t.Fatalf("Wake returned unexpected error: %v", err)
	}
	if len(mock.calls) != 1 {
		t.Fatalf("expected 1 SQS call, got %d", len(mock.calls))
	}

	call := mock.calls[0]
	if *call.QueueUrl != testStandardURL {
		t.Errorf("expected queue URL %q, got %q", testStandardURL, *call.QueueUrl)
	}
	if call.MessageGroupId != nil || call.MessageDeduplicationId != nil {
		t.Error("standard queue should not carry FIFO attributes")
	}
	if got := *call.MessageAttributes["reason"].StringValue; got != "enqueue" {
		t.Errorf("reason attribute = %q", got)
	}

	msg, err := ParseWakeMessage(*call.MessageBody)
	if err != nil {
		t.Fatalf("ParseWakeMessage: %v", err)
	}
	if msg.Reason != "enqueue" || msg.TriggerID == "" || !msg.SentAt.Equal(clock.t) {
		t.Errorf("unexpected message %+v", msg)
	}
}

func TestWake_FifoCoalescesWithinWindow(t *testing.T) {
	mock := &mockSQSSender{}
	clock := &fixedClock{t: time.Date(2026, 2, 1, 10, 0, 1, 0, time.UTC)}
	trigger := newTestTrigger(mock, testFifoURL, clock)

	_ = trigger.Wake(context.Background(), "a")
	clock.t = clock.t.Add(2 * time.Second)
	_ = trigger.Wake(context.Background(), "b")
	clock.t = clock.t.Add(5 * time.Second)
	_ = trigger.Wake(context.Background(), "c")

	if len(mock.calls) != 3 {
		t.Fatalf("expected 3 SQS calls, got %d", len(mock.calls))
	}
	first, second, third := *mock.calls[0].MessageDeduplicationId, *mock.calls[1].MessageDeduplicationId, *mock.calls[2].MessageDeduplicationId
	if first != second {
		t.Errorf("wake-ups in one window should share a dedup ID: %s vs %s", first, second)
	}
	if first == third {
		t.Errorf("wake-ups in different windows should not share a dedup ID")
	}
	if *mock.calls[0].MessageGroupId != "dispatch" {
		t.Errorf("group = %s", *mock.calls[0].MessageGroupId)
	}
}

func TestWake_NoQueueConfigured(t *testing.T) {
	mock := &mockSQSSender{}
	trigger := newTestTrigger(mock, "", nil)

	if err := trigger.Wake(context.Background(), "enqueue"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mock.calls) != 0 {
		t.Errorf("expected no SQS calls, got %d", len(mock.calls))
	}
}

func TestWake_SQSError(t *testing.T) {
	mock := &mockSQSSender{err: errors.New("throttled")}
	trigger := newTestTrigger(mock, testStandardURL, nil)

	err := trigger.Wake(context.Background(), "enqueue")
	if !types.IsCode(err, types.ErrCodeUpstreamUnavailable) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestParseWakeMessage_Invalid(t *testing.T) {
	if _, err := ParseWakeMessage("not json"); !types.IsCode(err, types.ErrCodeValidationInvalidJSON) {
		t.Errorf("expected invalid JSON error, got %v", err)
	}

	body, _ := json.Marshal(WakeMessage{Reason: "cron"})
	msg, err := ParseWakeMessage(string(body))
	if err != nil || msg.Reason != "cron" {
		t.Errorf("got %+v, %v", msg, err)
	}
}
