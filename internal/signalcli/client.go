package signalcli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// uuidPattern matches a UUID with or without dashes, used to tell
// apart a UUID-shaped envelope.source from a phone number.
var uuidPattern = regexp.MustCompile(`(?i)^[0-9a-f]{8}-?[0-9a-f]{4}-?[0-9a-f]{4}-?[0-9a-f]{4}-?[0-9a-f]{12}$`)

// Client drives a signal-cli executable as a one-shot subprocess per
// call. Unlike a JSON-RPC daemon, each method invokes signal-cli fresh
// and parses its stdout; the adapter never calls receive concurrently
// with itself.
type Client struct {
	binary        string
	phoneNumber   string
	attachmentDir string
	logger        *slog.Logger
}

// New creates a signal-cli adapter. attachmentDir is the directory
// signal-cli materialises downloaded attachment bytes into.
func New(binary, phoneNumber, attachmentDir string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		binary:        binary,
		phoneNumber:   phoneNumber,
		attachmentDir: attachmentDir,
		logger:        logger.With("component", "signalcli"),
	}
}

// TransportError wraps a non-zero exit or launch failure from the
// sidecar process.
type TransportError struct {
	Verb   string
	Stderr string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("signal-cli %s: %s", e.Verb, e.Stderr)
	}
	return fmt.Sprintf("signal-cli %s: %v", e.Verb, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// run invokes `<binary> -a <phone> <args...>` and returns stdout.
func (c *Client) run(ctx context.Context, verb string, args ...string) ([]byte, error) {
	fullArgs := append([]string{"-a", c.phoneNumber}, args...)
	return c.runArgs(ctx, verb, fullArgs)
}

// runArgs invokes `<binary> <args...>` verbatim, for verbs that need
// global flags (like -o json) ahead of -a.
func (c *Client) runArgs(ctx context.Context, verb string, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.binary, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debug("invoking signal-cli", "verb", verb, "args", args)

	err := cmd.Run()
	if err != nil {
		return nil, &TransportError{Verb: verb, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	return stdout.Bytes(), nil
}

// Receive asks signal-cli for up to max pending messages, marking them
// read on the sidecar side. Returns the raw newline-delimited JSON
// lines signal-cli wrote, unparsed — Parse turns these into Messages.
func (c *Client) Receive(ctx context.Context, max int) ([]byte, error) {
	args := []string{
		"-o", "json",
		"-a", c.phoneNumber,
		"receive",
		"--max-messages", strconv.Itoa(max),
		"--send-read-receipts",
	}
	return c.runArgs(ctx, "receive", args)
}

// Parse turns raw newline-delimited envelope JSON into Messages. One
// envelope produces at most one Message; envelopes that carry no
// dataMessage (read receipts, typing notifications) or that carry a
// remoteDelete are skipped. A line that fails to parse as JSON is
// skipped with a logged warning rather than failing the whole batch.
func (c *Client) Parse(raw []byte) []Message {
	var messages []Message

	for _, line := range bytes.Split(raw, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var parsed rawLine
		if err := json.Unmarshal(line, &parsed); err != nil {
			c.logger.Warn("malformed envelope line, skipping", "error", err)
			continue
		}

		msg, ok := c.envelopeToMessage(parsed.Envelope)
		if !ok {
			continue
		}
		messages = append(messages, msg)
	}

	return messages
}

func (c *Client) envelopeToMessage(env Envelope) (Message, bool) {
	dm := env.DataMessage
	if dm == nil {
		return Message{}, false
	}
	if dm.RemoteDelete != nil {
		c.logger.Info("remote delete notification, skipping", "timestamp", dm.RemoteDelete.Timestamp)
		return Message{}, false
	}

	source := env.Source
	if source == "" {
		source = env.SourceNumber
	}

	var number, uuid string
	if source != "" && uuidPattern.MatchString(source) {
		uuid = source
	} else {
		number = source
		uuid = env.SourceUUID
	}

	sender := Contact{
		Number: number,
		Name:   env.SourceName,
		UUID:   uuid,
	}

	var attachments []Attachment
	for _, a := range dm.Attachments {
		attachments = append(attachments, Attachment{
			ID:              a.ID,
			ContentType:     a.ContentType,
			Filename:        a.Filename,
			Size:            a.Size,
			UploadTimestamp: a.UploadTimestamp,
		})
	}

	var group *Group
	isGroup := false
	if dm.GroupInfo != nil {
		isGroup = true
		name := dm.GroupInfo.Name
		if name == "" {
			name = "Unknown"
		}
		group = &Group{ID: dm.GroupInfo.GroupID, Name: name}
	}

	return Message{
		Sender:      sender,
		Timestamp:   time.UnixMilli(env.Timestamp),
		TimestampMS: env.Timestamp,
		Text:        dm.Message,
		Attachments: attachments,
		Group:       group,
		IsGroupMsg:  isGroup,
		Account:     env.Account,
	}, true
}

// DownloadAttachments asks the sidecar to materialise each attachment's
// bytes to disk and writes the resulting path back onto the
// Attachment. A download failure for one attachment is logged and
// that attachment is left with an empty Path; it does not abort the
// batch.
func (c *Client) DownloadAttachments(ctx context.Context, messages []Message) []Message {
	out := make([]Message, len(messages))
	for i, msg := range messages {
		attachments := make([]Attachment, len(msg.Attachments))
		for j, att := range msg.Attachments {
			args := []string{"getAttachment", "--id", att.ID}
			if msg.Group != nil {
				args = append(args, "--group", msg.Group.ID)
			}
			if _, err := c.run(ctx, "getAttachment", args...); err != nil {
				c.logger.Warn("attachment download failed", "attachment_id", att.ID, "error", err)
				attachments[j] = att
				continue
			}
			att.Path = filepath.Join(c.attachmentDir, att.ID)
			attachments[j] = att
		}
		msg.Attachments = attachments
		out[i] = msg
	}
	return out
}

// Send sends a text message to an individual recipient. Failures are
// returned to the caller; this is the send used for registering or
// debugging, not for job notifications.
func (c *Client) Send(ctx context.Context, recipient, text string) error {
	_, err := c.run(ctx, "send", "send", "-m", text, recipient)
	return err
}

// SendToGroup sends a text message to a Signal group. Fire-and-forget
// in spirit: callers log a failure rather than propagate it, since a
// dropped notification must never fail a job.
func (c *Client) SendToGroup(ctx context.Context, groupID, text string) error {
	_, err := c.run(ctx, "send", "send", "-m", text, "-g", groupID)
	return err
}

// ListGroups parses signal-cli's line-oriented `listGroups -d` output.
func (c *Client) ListGroups(ctx context.Context) ([]Group, error) {
	out, err := c.run(ctx, "listGroups", "listGroups", "-d")
	if err != nil {
		return nil, err
	}

	var groups []Group
	var current *Group

	for _, line := range strings.Split(string(out), "\n") {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "Id:") {
			if current != nil {
				groups = append(groups, *current)
			}
			fields := strings.Fields(line)
			id := ""
			if len(fields) > 1 {
				id = fields[1]
			}
			name := "Unknown"
			if idx := strings.Index(line, "Name:"); idx != -1 {
				rest := strings.TrimSpace(line[idx+len("Name:"):])
				if fields := strings.Fields(rest); len(fields) > 0 {
					name = fields[0]
				}
			}
			current = &Group{ID: id, Name: name}
		}
	}
	if current != nil {
		groups = append(groups, *current)
	}

	c.logger.Debug("listed groups", "count", len(groups))
	return groups, nil
}

// Ping verifies the sidecar binary is callable, suitable as a
// connwatch probe.
func (c *Client) Ping(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.binary, "--version")
	return cmd.Run()
}

// EnsureAttachmentDir creates the attachment directory if absent.
func (c *Client) EnsureAttachmentDir() error {
	return os.MkdirAll(c.attachmentDir, 0o755)
}
