// Package pipeline is the per-message job engine (C7): a fixed
// six-stage DAG that reconstructs a Signal message from a sensor's
// tag bag, persists it, extracts a receipt via the vision LLM,
// transforms the extraction into the relational model, persists the
// receipt, and notifies the originating group exactly once on the
// job's terminal state. Stages hand off typed values; no stage raises
// — every failure becomes an errkind-classified result the engine
// records before stopping further stages (spec §9's second redesign
// flag).
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mcarmelo/tickapp/internal/errkind"
	"github.com/mcarmelo/tickapp/internal/events"
	"github.com/mcarmelo/tickapp/internal/llmvision"
	"github.com/mcarmelo/tickapp/internal/sensor"
	"github.com/mcarmelo/tickapp/internal/store"
	"github.com/mcarmelo/tickapp/internal/transform"
)

// signalSender is the subset of *signalcli.Client the notify stage
// needs.
type signalSender interface {
	SendToGroup(ctx context.Context, groupID, text string) error
}

// messageStore is the subset of *store.Client the engine needs.
type messageStore interface {
	InsertMessage(ctx context.Context, msg store.Message) (int64, []int64, error)
	InsertReceipt(ctx context.Context, receipt store.ReceiptData, messageID *int64, attachmentIDs []int64) (int64, error)
}

// promptRenderer is the subset of *prompt.Assembler the extract stage
// needs.
type promptRenderer interface {
	Render(ctx context.Context, template string) (string, error)
}

// visionClient is the subset of *llmvision.Client the extract stage
// needs.
type visionClient interface {
	CallJSON(ctx context.Context, parts []llmvision.Part, v any) error
}

// JobStatus is one state in the job's state machine:
// PENDING -> RUNNING -> (SUCCESS | FAILURE), the last two absorbing.
type JobStatus string

const (
	StatusPending JobStatus = "PENDING"
	StatusRunning JobStatus = "RUNNING"
	StatusSuccess JobStatus = "SUCCESS"
	StatusFailure JobStatus = "FAILURE"
)

// JobResult is a job's terminal outcome.
type JobResult struct {
	RunKey        string
	Status        JobStatus
	FailedStage   string
	ErrorKind     errkind.Kind
	Reason        string
	TransactionID int64
	StoreName     string
	Total         string
	Currency      string
}

const maxNotifyReasonLen = 200

// Engine drives the six-stage DAG for one message at a time per call
// to Run; distinct messages may run concurrently — callers decide how
// many goroutines call Run.
type Engine struct {
	signal         signalSender
	store          messageStore
	prompt         promptRenderer
	vision         visionClient
	bus            *events.Bus
	logger         *slog.Logger
	promptTemplate string
	defaultGroupID string
	account        string

	mu        sync.Mutex
	completed map[string]*JobResult // run_key -> terminal result, for replay dedupe
}

// New creates an Engine. promptTemplate is the static template text
// (with [item_categories]/[transaction_categories] placeholders) the
// extract stage renders on every run. account is the Signal account
// the bot is logged in as, stamped onto every persisted message.
// defaultGroupID is the notification fallback used when a job's tags
// carry no group id.
func New(signal signalSender, st messageStore, prompt promptRenderer, vision visionClient, bus *events.Bus, promptTemplate, account, defaultGroupID string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		signal:         signal,
		store:          st,
		prompt:         prompt,
		vision:         vision,
		bus:            bus,
		logger:         logger.With("component", "pipeline"),
		promptTemplate: promptTemplate,
		account:        account,
		defaultGroupID: defaultGroupID,
		completed:      make(map[string]*JobResult),
	}
}

// Run executes the stage DAG for one JobRequest to a terminal state.
// Two calls with the same run_key return the same cached JobResult
// rather than running the job twice — the engine is the one place
// that treats identical run_keys as the same logical job (spec §4.7's
// state machine note on replay).
func (e *Engine) Run(ctx context.Context, req sensor.JobRequest) (*JobResult, error) {
	e.mu.Lock()
	if cached, ok := e.completed[req.RunKey]; ok {
		e.mu.Unlock()
		e.logger.Debug("run_key already terminal, skipping re-run", "run_key", req.RunKey, "status", cached.Status)
		return cached, nil
	}
	e.mu.Unlock()

	e.bus.Publish(events.Event{Source: events.SourcePipeline, Kind: events.KindJobStarted, Data: map[string]any{"run_key": req.RunKey}})

	if err := ctx.Err(); err != nil {
		return e.fail(req, "cancelled", errkind.New(errkind.Cancelled, err)), nil
	}

	msg, err := e.reconstructMessage(req.Tags)
	if err != nil {
		return e.fail(req, "reconstruct_message", err), nil
	}

	if err := ctx.Err(); err != nil {
		return e.fail(req, "cancelled", errkind.New(errkind.Cancelled, err)), nil
	}

	messageID, attachmentIDs, err := e.store.InsertMessage(ctx, msg)
	if err != nil {
		return e.fail(req, "persist_message", err), nil
	}

	if err := ctx.Err(); err != nil {
		return e.fail(req, "cancelled", errkind.New(errkind.Cancelled, err)), nil
	}

	extractionJSON, err := e.extract(ctx, msg)
	if err != nil {
		return e.fail(req, "extract", err), nil
	}

	receipt, err := transform.Transform(extractionJSON)
	if err != nil {
		return e.fail(req, "transform", err), nil
	}

	if err := ctx.Err(); err != nil {
		return e.fail(req, "cancelled", errkind.New(errkind.Cancelled, err)), nil
	}

	transactionID, err := e.store.InsertReceipt(ctx, receipt, &messageID, attachmentIDs)
	if err != nil {
		return e.fail(req, "persist_receipt", err), nil
	}

	result := &JobResult{
		RunKey:        req.RunKey,
		Status:        StatusSuccess,
		TransactionID: transactionID,
		StoreName:     receipt.Store.Name,
		Total:         receipt.Transaction.Total.String(),
		Currency:      receipt.Transaction.Currency,
	}

	e.mu.Lock()
	e.completed[req.RunKey] = result
	e.mu.Unlock()

	e.bus.Publish(events.Event{
		Source: events.SourcePipeline,
		Kind:   events.KindJobSucceeded,
		Data: map[string]any{
			"run_key":        req.RunKey,
			"transaction_id": transactionID,
			"store_name":     result.StoreName,
			"total":          result.Total,
			"currency":       result.Currency,
			"group_id":       req.Tags.GroupID,
			"sender_name":    req.Tags.SenderName,
			"sender_number":  req.Tags.SenderNumber,
			"sender_uuid":    req.Tags.SenderUUID,
		},
	})

	return result, nil
}

// fail records a terminal FAILURE result for req, classifying err into
// an errkind.Kind, and publishes the failure event exactly once.
func (e *Engine) fail(req sensor.JobRequest, stage string, err error) *JobResult {
	kind := classify(err)
	reason := truncate(err.Error(), maxNotifyReasonLen)

	result := &JobResult{
		RunKey:      req.RunKey,
		Status:      StatusFailure,
		FailedStage: stage,
		ErrorKind:   kind,
		Reason:      reason,
	}

	e.mu.Lock()
	e.completed[req.RunKey] = result
	e.mu.Unlock()

	e.logger.Warn("job failed", "run_key", req.RunKey, "stage", stage, "kind", kind, "reason", reason)

	e.bus.Publish(events.Event{
		Source: events.SourcePipeline,
		Kind:   events.KindJobFailed,
		Data: map[string]any{
			"run_key":       req.RunKey,
			"stage":         stage,
			"error_kind":    string(kind),
			"reason":        reason,
			"group_id":      req.Tags.GroupID,
			"sender_name":   req.Tags.SenderName,
			"sender_number": req.Tags.SenderNumber,
			"sender_uuid":   req.Tags.SenderUUID,
		},
	})

	return result
}

// classify extracts the errkind.Kind an adapter already attached to
// err. reconstruct_message failures are not produced by an adapter
// boundary (they are pure parsing of the sensor's own tag bag, itself
// derived from sidecar envelope data) so they fall back to
// SIDECAR_PARSE, the taxonomy's closest fit for "malformed upstream
// data" per spec §7.
func classify(err error) errkind.Kind {
	var se *errkind.StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return errkind.SidecarParse
}

// reconstructMessage rebuilds a store.Message purely from tags (S1):
// parses the ISO timestamp, filters out attachment paths that no
// longer exist on disk, and fails if no image attachment survives.
func (e *Engine) reconstructMessage(tags sensor.Tags) (store.Message, error) {
	ts, err := parseTagTimestamp(tags.TimestampISO)
	if err != nil {
		return store.Message{}, fmt.Errorf("parse message timestamp %q: %w", tags.TimestampISO, err)
	}

	var attachments []store.Attachment
	for _, a := range tags.Attachments {
		if a.Path == "" {
			continue
		}
		if _, err := os.Stat(a.Path); err != nil {
			e.logger.Warn("attachment path missing at reconstruction time, dropping", "path", a.Path, "error", err)
			continue
		}
		attachments = append(attachments, store.Attachment{
			SidecarID:   a.ID,
			ContentType: a.ContentType,
			Filename:    a.Filename,
			Path:        a.Path,
		})
	}

	if !hasImageAttachment(attachments) {
		return store.Message{}, fmt.Errorf("no image attachment survived reconstruction")
	}

	return store.Message{
		SenderUUID:   tags.SenderUUID,
		SenderNumber: tags.SenderNumber,
		SenderName:   tags.SenderName,
		GroupID:      tags.GroupID,
		GroupName:    tags.GroupName,
		Timestamp:    ts,
		Text:         tags.MessageText,
		IsGroupMsg:   tags.IsGroupMessage,
		Account:      e.account,
		Attachments:  attachments,
	}, nil
}

// extract renders the prompt and calls the vision LLM with the
// prompt plus every image attachment (S3).
func (e *Engine) extract(ctx context.Context, msg store.Message) (json.RawMessage, error) {
	promptText, err := e.prompt.Render(ctx, e.promptTemplate)
	if err != nil {
		return nil, errkind.Wrapf(errkind.LLMTransport, "render prompt: %w", err)
	}

	parts := []llmvision.Part{llmvision.TextPart(promptText)}
	for _, a := range msg.Attachments {
		if !strings.HasPrefix(a.ContentType, "image/") {
			continue
		}
		data, err := os.ReadFile(a.Path)
		if err != nil {
			return nil, errkind.Wrapf(errkind.LLMTransport, "read attachment %s: %w", a.Path, err)
		}
		parts = append(parts, llmvision.ImagePart(a.Filename, data))
	}

	var raw json.RawMessage
	if err := e.vision.CallJSON(ctx, parts, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// hasImageAttachment reports whether any attachment is image/* by
// content type or, failing that, a common image filename extension.
func hasImageAttachment(attachments []store.Attachment) bool {
	for _, a := range attachments {
		if strings.HasPrefix(a.ContentType, "image/") {
			return true
		}
		if a.ContentType == "" {
			lower := strings.ToLower(a.Filename)
			for _, ext := range []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".heic"} {
				if strings.HasSuffix(lower, ext) {
					return true
				}
			}
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
