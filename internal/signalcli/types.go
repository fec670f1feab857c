// Package signalcli wraps signal-cli's one-shot JSON output mode, the
// transport the sensor and pipeline engine use to receive Signal
// messages, download their attachments, and send notifications. It is
// the only package in this module that shells out to the sidecar.
package signalcli

import (
	"path/filepath"
	"strings"
	"time"
)

// rawLine is one line of signal-cli's "-o json receive" output.
type rawLine struct {
	Envelope Envelope `json:"envelope"`
}

// Envelope is the envelope object signal-cli nests each event under.
type Envelope struct {
	Source       string          `json:"source"`
	SourceNumber string          `json:"sourceNumber"`
	SourceUUID   string          `json:"sourceUuid"`
	SourceName   string          `json:"sourceName"`
	Timestamp    int64           `json:"timestamp"`
	Account      string          `json:"account"`
	DataMessage  *rawDataMessage `json:"dataMessage,omitempty"`
}

type rawDataMessage struct {
	Message      string          `json:"message"`
	Attachments  []rawAttachment `json:"attachments,omitempty"`
	GroupInfo    *rawGroupInfo   `json:"groupInfo,omitempty"`
	RemoteDelete *rawRemoteDelete `json:"remoteDelete,omitempty"`
}

type rawAttachment struct {
	ID              string `json:"id"`
	ContentType     string `json:"contentType"`
	Filename        string `json:"filename"`
	Size            int64  `json:"size"`
	UploadTimestamp int64  `json:"uploadTimestamp"`
}

type rawGroupInfo struct {
	GroupID string `json:"groupId"`
	Name    string `json:"name"`
}

type rawRemoteDelete struct {
	Timestamp int64 `json:"timestamp"`
}

// Contact identifies the sender of a Message. Number is empty when the
// envelope's source field was UUID-shaped.
type Contact struct {
	Number string
	Name   string
	UUID   string
}

// Group identifies the Signal group a Message was sent to.
type Group struct {
	ID   string
	Name string
}

// Attachment describes one file attached to a Message. Path is empty
// until DownloadAttachments has run.
type Attachment struct {
	ID              string
	ContentType     string
	Filename        string
	Size            int64
	UploadTimestamp int64
	Path            string
}

// IsImage reports whether the attachment's content type, or failing
// that its filename extension, indicates an image.
func (a Attachment) IsImage() bool {
	if strings.HasPrefix(a.ContentType, "image/") {
		return true
	}
	if a.ContentType == "" {
		ext := strings.ToLower(filepath.Ext(a.Filename))
		switch ext {
		case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".heic":
			return true
		}
	}
	return false
}

// Message is a user data message received over Signal, with its
// sender, optional group, and attachments.
type Message struct {
	Sender        Contact
	Timestamp     time.Time
	TimestampMS   int64
	Text          string
	Attachments   []Attachment
	Group         *Group
	IsGroupMsg    bool
	Account       string
}

// HasImageAttachment reports whether any attachment on the message is
// an image.
func (m Message) HasImageAttachment() bool {
	for _, a := range m.Attachments {
		if a.IsImage() {
			return true
		}
	}
	return false
}
