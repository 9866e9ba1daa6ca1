package server

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"testing"

	"github.com/matt-riley/togglr/internal/repository"
)

func FuzzQueryParams(f *testing.F) {
	for _, seed := range []string{"", "0", "42", "-1", "1.5", "not-a-number", "  7  ", "9223372036854775808"} {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, value string) {
		trimmed := strings.TrimSpace(value)

		eventID, err := parseLastEventID(value)
		parsedID, idErr := strconv.ParseInt(trimmed, 10, 64)
		switch {
		case trimmed == "":
			if err != nil || eventID != 0 {
				t.Fatalf("parseLastEventID(%q) = (%d, %v), want (0, nil)", value, eventID, err)
			}
		case idErr != nil || parsedID < 0:
			if err == nil {
				t.Fatalf("parseLastEventID(%q) error = nil, want non-nil", value)
			}
		case err != nil || eventID != parsedID:
			t.Fatalf("parseLastEventID(%q) = (%d, %v), want (%d, nil)", value, eventID, err, parsedID)
		}

		hours, err := parseAnalyticsHours(value)
		parsedHours, hoursErr := strconv.Atoi(trimmed)
		switch {
		case trimmed == "":
			if err != nil || hours != defaultAnalyticsHours {
				t.Fatalf("parseAnalyticsHours(%q) = (%d, %v), want (%d, nil)", value, hours, err, defaultAnalyticsHours)
			}
		case hoursErr != nil || parsedHours <= 0:
			if err == nil {
				t.Fatalf("parseAnalyticsHours(%q) error = nil, want non-nil", value)
			}
		case err != nil || hours != parsedHours:
			t.Fatalf("parseAnalyticsHours(%q) = (%d, %v), want (%d, nil)", value, hours, err, parsedHours)
		}
	})
}

func FuzzToSSEEventName(f *testing.F) {
	f.Add(repository.EventTypeFlagCreated)
	f.Add(repository.EventTypeRuleDeleted)
	f.Add("flag_renamed")
	f.Add("")

	f.Fuzz(func(t *testing.T, eventType string) {
		got := toSSEEventName(eventType)
		if got != "" && got != eventType {
			t.Fatalf("toSSEEventName(%q) = %q, want the event type or empty", eventType, got)
		}
		if strings.ContainsAny(got, "\r\n") {
			t.Fatalf("toSSEEventName(%q) = %q contains a line break", eventType, got)
		}
	})
}

func FuzzWriteSSEEventFraming(f *testing.F) {
	f.Add(int64(1), []byte(`{"name":"new_ui","enabled":true}`))
	f.Add(int64(7), []byte("{\n  \"name\": \"new_ui\",\n  \"enabled\": true\n}"))
	f.Add(int64(3), []byte("line1\n\nline2"))
	f.Add(int64(0), []byte{})

	f.Fuzz(func(t *testing.T, eventID int64, payload []byte) {
		var body strings.Builder
		if err := writeSSEEvent(&body, eventID, repository.EventTypeFlagUpdated, payload); err != nil {
			t.Fatalf("writeSSEEvent() error = %v", err)
		}

		frame := body.String()
		prefix := "id: " + strconv.FormatInt(eventID, 10) + "\nevent: flag_updated\n"
		if !strings.HasPrefix(frame, prefix) {
			t.Fatalf("frame = %q, want prefix %q", frame, prefix)
		}
		if !strings.HasSuffix(frame, "\n\n") || strings.Count(frame, "\n\n") != 1 {
			t.Fatalf("frame %q must end with exactly one blank line", frame)
		}

		var compact bytes.Buffer
		if json.Compact(&compact, payload) == nil {
			want := prefix + "data: " + compact.String() + "\n\n"
			if frame != want {
				t.Fatalf("frame = %q, want %q", frame, want)
			}
		}
	})
}
