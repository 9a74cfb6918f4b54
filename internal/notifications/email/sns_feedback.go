package email

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// FeedbackType distinguishes hard bounces from complaints. Both suppress the
// recipient.
type FeedbackType string

const (
	FeedbackBounce    FeedbackType = "bounce"
	FeedbackComplaint FeedbackType = "complaint"
)

// SNS envelope types.
const (
	SNSTypeNotification             = "Notification"
	SNSTypeSubscriptionConfirmation = "SubscriptionConfirmation"
)

// FeedbackEvent is one suppressed recipient extracted from provider feedback.
type FeedbackEvent struct {
	ProviderMessageID string
	// ReferenceID is the queue message ID, carried through SES as a message tag.
	ReferenceID  string
	EmailAddress string
	Reason       string
	Type         FeedbackType
	Timestamp    time.Time
}

// SNSEnvelope is the outer SNS message. Message holds the SES notification as
// a JSON string.
type SNSEnvelope struct {
	Type         string `json:"Type"`
	MessageId    string `json:"MessageId"`
	TopicArn     string `json:"TopicArn"`
	Message      string `json:"Message"`
	Timestamp    string `json:"Timestamp"`
	SubscribeURL string `json:"SubscribeURL,omitempty"`
}

type SESNotification struct {
	NotificationType string        `json:"notificationType"`
	Bounce           *SESBounce    `json:"bounce,omitempty"`
	Complaint        *SESComplaint `json:"complaint,omitempty"`
	Mail             SESMail       `json:"mail"`
}

type SESBounce struct {
	BounceType        string                `json:"bounceType"`
	BounceSubType     string                `json:"bounceSubType"`
	BouncedRecipients []SESBouncedRecipient `json:"bouncedRecipients"`
	Timestamp         string                `json:"timestamp"`
}

type SESBouncedRecipient struct {
	EmailAddress   string `json:"emailAddress"`
	Action         string `json:"action,omitempty"`
	Status         string `json:"status,omitempty"`
	DiagnosticCode string `json:"diagnosticCode,omitempty"`
}

type SESComplaint struct {
	ComplainedRecipients  []SESComplainedRecipient `json:"complainedRecipients"`
	ComplaintFeedbackType string                   `json:"complaintFeedbackType,omitempty"`
	Timestamp             string                   `json:"timestamp"`
}

type SESComplainedRecipient struct {
	EmailAddress string `json:"emailAddress"`
}

// SESMail is the original message metadata. Tags mirror the tags set at send
// time, including ReferenceID.
type SESMail struct {
	MessageId string              `json:"messageId"`
	Tags      map[string][]string `json:"tags,omitempty"`
}

// ParseSNSEnvelope decodes the outer SNS body.
func ParseSNSEnvelope(body []byte) (*SNSEnvelope, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("sns feedback: empty body")
	}
	var env SNSEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("sns feedback: failed to parse envelope: %w", err)
	}
	return &env, nil
}

// ParseFeedback extracts suppression events from an SNS body. Transient
// bounces, deliveries and subscription confirmations yield no events.
func ParseFeedback(body []byte) ([]FeedbackEvent, error) {
	env, err := ParseSNSEnvelope(body)
	if err != nil {
		return nil, err
	}
	if env.Type != "" && env.Type != SNSTypeNotification {
		return nil, nil
	}
	if env.Message == "" {
		return nil, fmt.Errorf("sns feedback: envelope %s has no message", env.MessageId)
	}
	return ParseSESNotification(env.Message)
}

// ParseSESNotification converts one SES notification document into events.
func ParseSESNotification(message string) ([]FeedbackEvent, error) {
	var n SESNotification
	if err := json.Unmarshal([]byte(message), &n); err != nil {
		return nil, fmt.Errorf("sns feedback: failed to parse SES notification: %w", err)
	}

	ref := firstTag(n.Mail.Tags, "ReferenceID")

	switch n.NotificationType {
	case "Bounce":
		if n.Bounce == nil {
			return nil, fmt.Errorf("sns feedback: bounce notification without bounce details")
		}
		// SES keeps retrying soft bounces itself.
		if n.Bounce.BounceType != "Permanent" {
			return nil, nil
		}
		ts := parseTimestamp(n.Bounce.Timestamp)
		events := make([]FeedbackEvent, 0, len(n.Bounce.BouncedRecipients))
		for _, r := range n.Bounce.BouncedRecipients {
			reason := r.DiagnosticCode
			if reason == "" {
				reason = strings.TrimSpace(fmt.Sprintf("%s %s", n.Bounce.BounceSubType, r.Status))
			}
			events = append(events, FeedbackEvent{
				ProviderMessageID: n.Mail.MessageId,
				ReferenceID:       ref,
				EmailAddress:      strings.ToLower(strings.TrimSpace(r.EmailAddress)),
				Reason:            reason,
				Type:              FeedbackBounce,
				Timestamp:         ts,
			})
		}
		return events, nil

	case "Complaint":
		if n.Complaint == nil {
			return nil, fmt.Errorf("sns feedback: complaint notification without complaint details")
		}
		reason := n.Complaint.ComplaintFeedbackType
		if reason == "" {
			reason = "complaint"
		}
		ts := parseTimestamp(n.Complaint.Timestamp)
		events := make([]FeedbackEvent, 0, len(n.Complaint.ComplainedRecipients))
		for _, r := range n.Complaint.ComplainedRecipients {
			events = append(events, FeedbackEvent{
				ProviderMessageID: n.Mail.MessageId,
				ReferenceID:       ref,
				EmailAddress:      strings.ToLower(strings.TrimSpace(r.EmailAddress)),
				Reason:            reason,
				Type:              FeedbackComplaint,
				Timestamp:         ts,
			})
		}
		return events, nil
	}
	return nil, nil
}

func firstTag(tags map[string][]string, key string) string {
	if v := tags[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// parseTimestamp falls back to now for missing or malformed values. SES
// timestamps are RFC 3339 with milliseconds.
func parseTimestamp(raw string) time.Time {
	if raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}
