package sensor

import (
	"context"
	"testing"
	"time"

	"github.com/mcarmelo/tickapp/internal/signalcli"
)

func mustDate(t *testing.T, layout, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(layout, value)
	if err != nil {
		t.Fatalf("parse %q: %v", value, err)
	}
	return parsed
}

func TestInWindowSunday(t *testing.T) {
	sunday := mustDate(t, "2006-01-02 15:04", "2026-08-02 10:00") // a Sunday
	if InWindow(sunday) {
		t.Errorf("Sunday should never be in window")
	}
}

func TestInWindowMondayBoundaries(t *testing.T) {
	monday0759 := mustDate(t, "2006-01-02 15:04", "2026-08-03 07:59")
	monday0800 := mustDate(t, "2006-01-02 15:04", "2026-08-03 08:00")
	monday1759 := mustDate(t, "2006-01-02 15:04", "2026-08-03 17:59")
	monday1800 := mustDate(t, "2006-01-02 15:04", "2026-08-03 18:00")

	if InWindow(monday0759) {
		t.Errorf("07:59 Monday should be outside the window")
	}
	if !InWindow(monday0800) {
		t.Errorf("08:00 Monday should be inside the window")
	}
	if !InWindow(monday1759) {
		t.Errorf("17:59 Monday should be inside the window")
	}
	if InWindow(monday1800) {
		t.Errorf("18:00 Monday should be outside the window (half-open)")
	}
}

func TestInWindowThursdayExtendedHours(t *testing.T) {
	thursday1900 := mustDate(t, "2006-01-02 15:04", "2026-08-06 19:00")
	thursday2000 := mustDate(t, "2006-01-02 15:04", "2026-08-06 20:00")

	if !InWindow(thursday1900) {
		t.Errorf("19:00 Thursday should be inside the extended window")
	}
	if InWindow(thursday2000) {
		t.Errorf("20:00 Thursday should be outside the window (half-open)")
	}
}

func TestInWindowThursdayMidnightIsFridayRegime(t *testing.T) {
	fridayMidnight := mustDate(t, "2006-01-02 15:04", "2026-08-07 00:00")
	if InWindow(fridayMidnight) {
		t.Errorf("midnight Friday should be outside the 8-18 window, not treated as still-Thursday")
	}
	if fridayMidnight.Weekday().String() != "Friday" {
		t.Fatalf("test fixture error: expected Friday, got %s", fridayMidnight.Weekday())
	}
}

// fakeSignal implements signalClient for tests.
type fakeSignal struct {
	raw       []byte
	parsed    []signalcli.Message
	downloads []signalcli.Message
}

func (f *fakeSignal) Receive(ctx context.Context, max int) ([]byte, error) {
	return f.raw, nil
}

func (f *fakeSignal) Parse(raw []byte) []signalcli.Message {
	return f.parsed
}

func (f *fakeSignal) DownloadAttachments(ctx context.Context, messages []signalcli.Message) []signalcli.Message {
	return f.downloads
}

// fakeStore implements messageChecker for tests.
type fakeStore struct {
	existing map[string]bool // key: uuid|timestampMS
	err      error
}

func (f *fakeStore) FindMessage(ctx context.Context, senderUUID string, timestampMS int64) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	key := senderUUID + "|" + time.UnixMilli(timestampMS).String()
	return f.existing[key], nil
}

func imageMessage(uuid string, tsMS int64) signalcli.Message {
	return signalcli.Message{
		Sender:      signalcli.Contact{UUID: uuid, Name: "Alice"},
		Timestamp:   time.UnixMilli(tsMS),
		TimestampMS: tsMS,
		Attachments: []signalcli.Attachment{{ID: "A1", ContentType: "image/jpeg", Path: "/tmp/signal/A1"}},
	}
}

func TestTickEmitsAtMostOneJobForDuplicateEnvelope(t *testing.T) {
	msg := imageMessage("11111111-1111-1111-1111-111111111111", 1731600000000)
	fs := &fakeSignal{downloads: []signalcli.Message{msg, msg}} // same envelope twice in one batch
	st := &fakeStore{existing: map[string]bool{}}

	s := New(fs, st, nil, 10, true) // testMode bypasses the schedule gate
	result, err := s.Tick(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(result.Jobs) != 1 {
		t.Fatalf("Jobs = %d, want 1", len(result.Jobs))
	}
}

func TestTickSkipsMessageAlreadyPersisted(t *testing.T) {
	msg := imageMessage("22222222-2222-2222-2222-222222222222", 1731600000000)
	fs := &fakeSignal{downloads: []signalcli.Message{msg}}
	key := msg.Sender.UUID + "|" + time.UnixMilli(msg.TimestampMS).String()
	st := &fakeStore{existing: map[string]bool{key: true}}

	s := New(fs, st, nil, 10, true)
	result, err := s.Tick(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(result.Jobs) != 0 {
		t.Fatalf("Jobs = %d, want 0 for an already-persisted message", len(result.Jobs))
	}
}

func TestTickFailsOpenOnDedupCheckError(t *testing.T) {
	msg := imageMessage("33333333-3333-3333-3333-333333333333", 1731600000000)
	fs := &fakeSignal{downloads: []signalcli.Message{msg}}
	st := &fakeStore{err: context.DeadlineExceeded}

	s := New(fs, st, nil, 10, true)
	result, err := s.Tick(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(result.Jobs) != 1 {
		t.Fatalf("Jobs = %d, want 1 (fail-open keeps the candidate)", len(result.Jobs))
	}
}

func TestTickFiltersOutMessagesWithoutImageAttachments(t *testing.T) {
	textOnly := signalcli.Message{
		Sender:      signalcli.Contact{UUID: "44444444-4444-4444-4444-444444444444"},
		Timestamp:   time.UnixMilli(1731600000000),
		TimestampMS: 1731600000000,
		Attachments: []signalcli.Attachment{{ID: "A1", ContentType: "application/pdf"}},
	}
	fs := &fakeSignal{downloads: []signalcli.Message{textOnly}}
	st := &fakeStore{existing: map[string]bool{}}

	s := New(fs, st, nil, 10, true)
	result, err := s.Tick(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(result.Jobs) != 0 {
		t.Fatalf("Jobs = %d, want 0 for a non-image attachment", len(result.Jobs))
	}
}

func TestTickAcceptsEmptyContentTypeWithJPEGExtension(t *testing.T) {
	msg := signalcli.Message{
		Sender:      signalcli.Contact{UUID: "55555555-5555-5555-5555-555555555555"},
		Timestamp:   time.UnixMilli(1731600000000),
		TimestampMS: 1731600000000,
		Attachments: []signalcli.Attachment{{ID: "A1", ContentType: "", Filename: "receipt.jpeg"}},
	}
	fs := &fakeSignal{downloads: []signalcli.Message{msg}}
	st := &fakeStore{existing: map[string]bool{}}

	s := New(fs, st, nil, 10, true)
	result, err := s.Tick(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(result.Jobs) != 1 {
		t.Fatalf("Jobs = %d, want 1 for an empty content-type .jpeg attachment", len(result.Jobs))
	}
}

func TestTickOutOfWindowSkipsWithoutSidecarCalls(t *testing.T) {
	fs := &fakeSignal{}
	st := &fakeStore{existing: map[string]bool{}}
	s := New(fs, st, nil, 10, false) // production variant: schedule gated

	sunday := mustDate(t, "2006-01-02 15:04", "2026-08-02 10:00")
	result, err := s.Tick(context.Background(), sunday)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if result.Ran {
		t.Errorf("Tick should not run outside the schedule window")
	}
	if result.SkipReason == "" {
		t.Errorf("expected a skip reason")
	}
}

func TestRunKeyStableAcrossRuns(t *testing.T) {
	msg := imageMessage("66666666-6666-6666-6666-666666666666", 1731600000000)
	fs1 := &fakeSignal{downloads: []signalcli.Message{msg}}
	fs2 := &fakeSignal{downloads: []signalcli.Message{msg}}
	st := &fakeStore{existing: map[string]bool{}}

	s1 := New(fs1, st, nil, 10, true)
	s2 := New(fs2, st, nil, 10, true)

	r1, err := s1.Tick(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("Tick 1: %v", err)
	}
	r2, err := s2.Tick(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("Tick 2: %v", err)
	}
	if len(r1.Jobs) != 1 || len(r2.Jobs) != 1 {
		t.Fatalf("expected one job from each tick")
	}
	if r1.Jobs[0].RunKey != r2.Jobs[0].RunKey {
		t.Errorf("run_key not stable: %q != %q", r1.Jobs[0].RunKey, r2.Jobs[0].RunKey)
	}
}

func TestJobRequestTagsCarryUUIDShapedSourceWithNoPhoneNumber(t *testing.T) {
	msg := imageMessage("77777777-7777-7777-7777-777777777777", 1731600000000)
	msg.Sender.Number = ""
	fs := &fakeSignal{downloads: []signalcli.Message{msg}}
	st := &fakeStore{existing: map[string]bool{}}

	s := New(fs, st, nil, 10, true)
	result, err := s.Tick(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(result.Jobs) != 1 {
		t.Fatalf("Jobs = %d, want 1", len(result.Jobs))
	}
	if result.Jobs[0].Tags.SenderNumber != "" {
		t.Errorf("SenderNumber = %q, want empty for a UUID-shaped source", result.Jobs[0].Tags.SenderNumber)
	}
}
