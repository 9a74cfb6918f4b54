// Package main is the entrypoint for the Email Worker Lambda function.
//
// The worker is invoked from two sources:
//
//   - The dispatch SQS queue. Records are either wake-ups published by the
//     enqueue path or SNS-wrapped SES feedback delivered through a queue
//     subscription. Wake-ups trigger one bounded drain of the delivery queue;
//     feedback is turned into bounce suppression.
//   - An SNS topic subscription carrying SES bounce and complaint
//     notifications directly.
//
// Cold Start (main):
//  1. Initialize structured logger.
//  2. Load configuration (env, dotenv, SSM).
//  3. Assemble the engine in remote dispatch mode.
//  4. Register handler and call lambda.Start.
//
// Buffered monitor events are flushed to their sinks at the end of every
// invocation because the execution environment may be frozen afterwards.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"courier/internal/config"
	"courier/internal/engine"
	"courier/internal/notifications/email"
	"courier/internal/queue"
	"courier/internal/types"
)

// defaultDrainBudget caps the messages one invocation sends so a large backlog
// cannot run past the function timeout. Unsent work stays claimable.
const defaultDrainBudget = 500

// slogAdapter wraps *slog.Logger to implement the types.Logger interface.
// slog.Logger's With returns *slog.Logger, so the adapter is necessary.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *slogAdapter) With(args ...any) types.Logger {
	return &slogAdapter{logger: a.logger.With(args...)}
}

type drainer interface {
	Drain(ctx context.Context, limit int) (int, error)
}

type feedbackProcessor interface {
	ProcessFeedback(ctx context.Context, events []email.FeedbackEvent) error
}

type flusher interface {
	Flush(ctx context.Context) error
}

type lagRecorder interface {
	RecordQueueLag(ctx context.Context, lag time.Duration)
}

// Handler holds the dependencies for the email worker Lambda handler.
type Handler struct {
	dispatcher  drainer
	feedback    feedbackProcessor
	events      flusher
	metrics     lagRecorder
	drainBudget int
	logger      types.Logger
}

// eventProbe reads just enough of an invocation payload to route it. SQS
// spells the key eventSource and SNS spells it EventSource; encoding/json
// matches both.
type eventProbe struct {
	Records []struct {
		EventSource string `json:"eventSource"`
	} `json:"Records"`
}

// Handle routes a raw invocation payload to the SQS or SNS handler.
func (h *Handler) Handle(ctx context.Context, raw json.RawMessage) (any, error) {
	var probe eventProbe
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("decode invocation: %w", err)
	}
	if len(probe.Records) == 0 {
		h.logger.Warn("invocation carried no records")
		return nil, nil
	}

	switch src := probe.Records[0].EventSource; src {
	case "aws:sqs":
		var ev events.SQSEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decode sqs event: %w", err)
		}
		return h.HandleSQS(ctx, ev)
	case "aws:sns":
		var ev events.SNSEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decode sns event: %w", err)
		}
		return nil, h.HandleSNS(ctx, ev)
	default:
		return nil, fmt.Errorf("unsupported event source %q", src)
	}
}

// HandleSQS processes a batch from the dispatch queue. Malformed bodies are
// acknowledged and logged since redelivery cannot fix them. Records whose
// processing failed transiently are reported in BatchItemFailures.
func (h *Handler) HandleSQS(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var (
		response events.SQSEventResponse
		wakes    []string
	)

	for _, record := range ev.Records {
		log := h.logger.With("message_id", record.MessageId)

		if isFeedbackEnvelope(record.Body) {
			if err := h.processFeedbackBody(ctx, record.Body, log); err != nil {
				log.Error("feedback processing failed", "error", err.Error())
				response.BatchItemFailures = append(response.BatchItemFailures,
					events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
			}
			continue
		}

		wake, err := queue.ParseWakeMessage(record.Body)
		if err != nil {
			log.Error("dropping malformed wake message", "error", err.Error())
			continue
		}
		if sent, ok := record.Attributes["SentTimestamp"]; ok {
			if at, err := parseMillisTimestamp(sent); err == nil {
				h.metrics.RecordQueueLag(ctx, time.Since(at))
			}
		}
		log.Info("wake received", "trigger_id", wake.TriggerID, "reason", wake.Reason)
		wakes = append(wakes, record.MessageId)
	}

	if len(wakes) > 0 {
		sent, err := h.dispatcher.Drain(ctx, h.drainBudget)
		if err != nil {
			h.logger.Error("drain failed", "processed", sent, "error", err.Error())
			// Redeliver one wake-up so the remaining backlog gets another pass.
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: wakes[0]})
		} else {
			h.logger.Info("drain complete", "processed", sent, "wakes", len(wakes))
		}
	}

	h.flush(ctx)
	return response, nil
}

// HandleSNS processes SES notifications delivered straight from SNS.
func (h *Handler) HandleSNS(ctx context.Context, ev events.SNSEvent) error {
	var feedback []email.FeedbackEvent
	for _, record := range ev.Records {
		parsed, err := email.ParseSESNotification(record.SNS.Message)
		if err != nil {
			h.logger.Error("dropping malformed SES notification",
				"sns_message_id", record.SNS.MessageID,
				"error", err.Error(),
			)
			continue
		}
		feedback = append(feedback, parsed...)
	}

	var err error
	if len(feedback) > 0 {
		err = h.feedback.ProcessFeedback(ctx, feedback)
	}
	h.flush(ctx)
	return err
}

func (h *Handler) processFeedbackBody(ctx context.Context, body string, log types.Logger) error {
	feedback, err := email.ParseFeedback([]byte(body))
	if err != nil {
		log.Error("dropping malformed feedback", "error", err.Error())
		return nil
	}
	if len(feedback) == 0 {
		return nil
	}
	log.Info("processing feedback", "recipients", len(feedback))
	return h.feedback.ProcessFeedback(ctx, feedback)
}

func (h *Handler) flush(ctx context.Context) {
	if err := h.events.Flush(ctx); err != nil {
		h.logger.Warn("event flush failed", "error", err.Error())
	}
}

// isFeedbackEnvelope reports whether an SQS body is an SNS envelope rather
// than a wake-up.
func isFeedbackEnvelope(body string) bool {
	env, err := email.ParseSNSEnvelope([]byte(body))
	if err != nil {
		return false
	}
	return env.TopicArn != "" ||
		env.Type == email.SNSTypeNotification ||
		env.Type == email.SNSTypeSubscriptionConfirmation
}

// parseMillisTimestamp parses the millisecond-epoch SentTimestamp attribute.
func parseMillisTimestamp(ms string) (time.Time, error) {
	millis, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(millis), nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func main() {
	var provider config.SecretProvider
	if os.Getenv("APP_ENV") != "local" {
		provider = config.NewSSMProvider(os.Getenv("AWS_REGION"))
	}
	cfg, err := config.LoadConfig(provider)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("email worker initializing (cold start)", "version", cfg.Build.Version)
	typedLogger := &slogAdapter{logger: logger.With("service", cfg.Service)}

	eng, err := engine.New(context.Background(), cfg, typedLogger, engine.Options{Mode: engine.DispatchRemote})
	if err != nil {
		logger.Error("failed to assemble engine", "error", err)
		os.Exit(1)
	}

	handler := &Handler{
		dispatcher:  eng.Dispatcher,
		feedback:    eng.Recovery,
		events:      eng.Monitor,
		metrics:     eng.Metrics,
		drainBudget: defaultDrainBudget,
		logger:      typedLogger,
	}

	// Local mode: read one event from stdin instead of starting the Lambda
	// runtime.
	//   echo '{"Records":[{"eventSource":"aws:sqs","messageId":"1","body":"{}"}]}' | go run ./cmd/email-worker
	if cfg.Environment == "local" {
		if err := runLocal(handler, os.Stdin); err != nil {
			logger.Error("local invocation failed", "error", err)
			_ = eng.Close(context.Background())
			os.Exit(1)
		}
		if err := eng.Close(context.Background()); err != nil {
			logger.Error("engine close failed", "error", err)
		}
		return
	}

	lambda.Start(handler.Handle)
}

func runLocal(h *Handler, r io.Reader) error {
	payload, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	if len(payload) == 0 {
		return errors.New("no input received on stdin")
	}
	out, err := h.Handle(context.Background(), payload)
	if err != nil {
		return err
	}
	if resp, ok := out.(events.SQSEventResponse); ok && len(resp.BatchItemFailures) > 0 {
		b, _ := json.MarshalIndent(resp, "", "  ")
		fmt.Fprintln(os.Stderr, string(b))
	}
	return nil
}

var _ types.Logger = (*slogAdapter)(nil)
