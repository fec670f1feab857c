// Package sensor converts sidecar polling events into pipeline job
// requests (C6): it tails the Signal conversation on a schedule,
// filters to image-bearing messages, deduplicates against durable
// state, and emits one JobRequest per new message.
package sensor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mcarmelo/tickapp/internal/errkind"
	"github.com/mcarmelo/tickapp/internal/signalcli"
)

// signalClient is the subset of *signalcli.Client the sensor needs.
type signalClient interface {
	Receive(ctx context.Context, max int) ([]byte, error)
	Parse(raw []byte) []signalcli.Message
	DownloadAttachments(ctx context.Context, messages []signalcli.Message) []signalcli.Message
}

// messageChecker is the subset of *store.Client the sensor needs for
// its dedup check.
type messageChecker interface {
	FindMessage(ctx context.Context, senderUUID string, timestampMS int64) (bool, error)
}

// AttachmentDescriptor is everything a job needs to reconstruct one
// attachment without re-hitting the sidecar; paths already exist on
// disk by the time a JobRequest is emitted.
type AttachmentDescriptor struct {
	Path        string
	ContentType string
	Filename    string
	ID          string
}

// Tags is the run-scoped record the sensor writes once; stages read
// it directly rather than re-parsing a tag-bag string (spec §9's
// fifth redesign flag).
type Tags struct {
	TimestampISO   string
	SenderUUID     string
	SenderNumber   string
	SenderName     string
	GroupID        string
	GroupName      string
	IsGroupMessage bool
	MessageText    string
	Attachments    []AttachmentDescriptor
	TestMode       bool
}

// JobRequest is a value the sensor emits to ask the engine to run the
// per-message pipeline.
type JobRequest struct {
	RunKey string
	Tags   Tags
}

// Sensor polls the Signal sidecar and emits JobRequests exactly once
// per (sender, timestamp) pair.
type Sensor struct {
	signal      signalClient
	store       messageChecker
	logger      *slog.Logger
	maxMessages int
	testMode    bool // true: no schedule gate, tags carry test_mode=true
}

// New creates a Sensor. maxMessages is the batch size asked of the
// sidecar per tick (spec: 10 in production, higher in the test
// variant). testMode disables the schedule-window gate and tags every
// emitted JobRequest accordingly.
func New(signal signalClient, store messageChecker, logger *slog.Logger, maxMessages int, testMode bool) *Sensor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sensor{
		signal:      signal,
		store:       store,
		logger:      logger.With("component", "sensor"),
		maxMessages: maxMessages,
		testMode:    testMode,
	}
}

// InWindow reports whether t falls inside the scheduling window:
// Sunday never; Thursday 8-20; every other day 8-18; all intervals
// half-open.
func InWindow(t time.Time) bool {
	hour := t.Hour()
	switch t.Weekday() {
	case time.Sunday:
		return false
	case time.Thursday:
		return hour >= 8 && hour < 20
	default:
		return hour >= 8 && hour < 18
	}
}

// TickResult reports what one Tick did.
type TickResult struct {
	Ran        bool
	SkipReason string
	Jobs       []JobRequest
}

// Tick runs one sensor pass at time now: if now falls outside the
// scheduling window (and this is not the test variant) it returns a
// skip with no sidecar calls at all. Otherwise it polls, downloads
// attachments, filters to image-bearing survivors, deduplicates
// within the batch and against persisted state, and returns one
// JobRequest per new message.
func (s *Sensor) Tick(ctx context.Context, now time.Time) (TickResult, error) {
	if !s.testMode && !InWindow(now) {
		return TickResult{Ran: false, SkipReason: "out of schedule"}, nil
	}

	raw, err := s.signal.Receive(ctx, s.maxMessages)
	if err != nil {
		return TickResult{}, errkind.New(errkind.SidecarTransport, err)
	}

	messages := s.signal.Parse(raw)
	messages = s.signal.DownloadAttachments(ctx, messages)

	survivors := filterImageBearing(messages)
	survivors = dedupeWithinBatch(survivors)

	var jobs []JobRequest
	for _, msg := range survivors {
		exists, err := s.store.FindMessage(ctx, msg.Sender.UUID, msg.TimestampMS)
		if err != nil {
			// Fail open: prefer duplicate work to lost work (spec §4.6
			// step 5, §9's explicit note that this is deliberate).
			s.logger.Warn("dedup check failed, keeping message", "error", err, "sender_uuid", msg.Sender.UUID)
		} else if exists {
			continue
		}

		jobs = append(jobs, s.toJobRequest(msg))
	}

	reason := ""
	if len(jobs) == 0 {
		reason = "no new image-bearing messages"
	}
	return TickResult{Ran: true, SkipReason: reason, Jobs: jobs}, nil
}

// isoTimestampLayout renders millisecond-precision UTC timestamps, the
// grain Signal's own timestamps are guaranteed monotone at (spec §3).
const isoTimestampLayout = "2006-01-02T15:04:05.000Z"

// toJobRequest builds the stable run_key and tag bag for one accepted
// message.
func (s *Sensor) toJobRequest(msg signalcli.Message) JobRequest {
	identity := senderIdentity(msg.Sender)
	runKey := fmt.Sprintf("signal_message_%s_%s", msg.Timestamp.UTC().Format(isoTimestampLayout), identity)

	var groupID, groupName string
	if msg.Group != nil {
		groupID = msg.Group.ID
		groupName = msg.Group.Name
	}

	attachments := make([]AttachmentDescriptor, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		attachments = append(attachments, AttachmentDescriptor{
			Path:        a.Path,
			ContentType: a.ContentType,
			Filename:    a.Filename,
			ID:          a.ID,
		})
	}

	return JobRequest{
		RunKey: runKey,
		Tags: Tags{
			TimestampISO:   msg.Timestamp.UTC().Format(isoTimestampLayout),
			SenderUUID:     msg.Sender.UUID,
			SenderNumber:   msg.Sender.Number,
			SenderName:     msg.Sender.Name,
			GroupID:        groupID,
			GroupName:      groupName,
			IsGroupMessage: msg.IsGroupMsg,
			MessageText:    msg.Text,
			Attachments:    attachments,
			TestMode:       s.testMode,
		},
	}
}

// senderIdentity is the run_key's trailing component: uuid, else
// number, else "unknown".
func senderIdentity(c signalcli.Contact) string {
	if c.UUID != "" {
		return c.UUID
	}
	if c.Number != "" {
		return c.Number
	}
	return "unknown"
}

// filterImageBearing keeps only messages carrying at least one image
// attachment.
func filterImageBearing(messages []signalcli.Message) []signalcli.Message {
	var out []signalcli.Message
	for _, m := range messages {
		if m.HasImageAttachment() {
			out = append(out, m)
		}
	}
	return out
}

// dedupeWithinBatch keeps only the first occurrence of each
// (sender identity, timestamp) pair in one batch, so a sidecar batch
// that repeats an envelope never yields two JobRequests for it.
func dedupeWithinBatch(messages []signalcli.Message) []signalcli.Message {
	seen := make(map[string]bool, len(messages))
	var out []signalcli.Message
	for _, m := range messages {
		key := fmt.Sprintf("%s|%d", senderIdentity(m.Sender), m.TimestampMS)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, m)
	}
	return out
}

// MarshalAttachments renders attachment descriptors as the JSON array
// shape spec §4.6 describes for operators inspecting a run's tags.
// The engine itself reads Tags.Attachments directly; this exists for
// logging/debugging only.
func MarshalAttachments(attachments []AttachmentDescriptor) (string, error) {
	type wire struct {
		Path        string `json:"path"`
		ContentType string `json:"content_type"`
		Filename    string `json:"filename"`
		ID          string `json:"id"`
	}
	out := make([]wire, 0, len(attachments))
	for _, a := range attachments {
		out = append(out, wire{Path: a.Path, ContentType: a.ContentType, Filename: a.Filename, ID: a.ID})
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
