package pipeline

import "testing"

func TestParseTagTimestampMillisecondLayout(t *testing.T) {
	got, err := parseTagTimestamp("2024-11-14T18:03:22.000Z")
	if err != nil {
		t.Fatalf("parseTagTimestamp: %v", err)
	}
	if got.Year() != 2024 || got.Month() != 11 || got.Day() != 14 {
		t.Errorf("date = %v, want 2024-11-14", got)
	}
}

func TestParseTagTimestampRFC3339WithOffset(t *testing.T) {
	got, err := parseTagTimestamp("2024-11-14T19:03:22+01:00")
	if err != nil {
		t.Fatalf("parseTagTimestamp: %v", err)
	}
	if got.Hour() != 18 {
		t.Errorf("hour after UTC normalisation = %d, want 18", got.Hour())
	}
}

func TestParseTagTimestampRejectsGarbage(t *testing.T) {
	if _, err := parseTagTimestamp("not-a-timestamp"); err == nil {
		t.Fatalf("expected an error for an unparsable timestamp")
	}
}
