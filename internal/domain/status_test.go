package domain

import (
	"errors"
	"testing"
	"time"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		event   Event
		want    Status
		wantErr bool
	}{
		{"pending submit", StatusPending, EventSubmit, StatusUploading, false},
		{"failed submit", StatusFailed, EventSubmit, StatusUploading, false},
		{"uploading succeed", StatusUploading, EventSucceed, StatusUploaded, false},
		{"uploading fail", StatusUploading, EventFail, StatusFailed, false},
		{"failed rearm", StatusFailed, EventRearm, StatusPending, false},
		{"pending succeed skips uploading", StatusPending, EventSucceed, StatusPending, true},
		{"pending fail", StatusPending, EventFail, StatusPending, true},
		{"uploading submit twice", StatusUploading, EventSubmit, StatusUploading, true},
		{"uploaded succeed again", StatusUploaded, EventSucceed, StatusUploaded, true},
		{"uploaded fail", StatusUploaded, EventFail, StatusUploaded, true},
		{"uploaded submit", StatusUploaded, EventSubmit, StatusUploaded, true},
		{"uploaded rearm", StatusUploaded, EventRearm, StatusUploaded, true},
		{"pending rearm", StatusPending, EventRearm, StatusPending, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Transition(tt.from, tt.event)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Transition() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("error = %v, want ErrInvalidTransition", err)
			}
			if got != tt.want {
				t.Errorf("Transition() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCanTransition_NeverSkipsUploading(t *testing.T) {
	for _, from := range AllStatuses {
		if from == StatusUploading {
			continue
		}
		if CanTransition(from, StatusUploaded) {
			t.Errorf("CanTransition(%s, uploaded) = true, want false", from)
		}
	}
}

func TestEventFor(t *testing.T) {
	e, err := EventFor(StatusUploading, StatusFailed)
	if err != nil || e != EventFail {
		t.Fatalf("EventFor(uploading, failed) = %v, %v", e, err)
	}
	if _, err := EventFor(StatusUploaded, StatusPending); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("EventFor(uploaded, pending) error = %v, want ErrInvalidTransition", err)
	}
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus(" Failed ")
	if err != nil || s != StatusFailed {
		t.Fatalf("ParseStatus() = %q, %v", s, err)
	}
	if _, err := ParseStatus("done"); err == nil {
		t.Error("ParseStatus(done) expected error")
	}
}

func TestNewRecord(t *testing.T) {
	payload := []byte("receipt")
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))

	r := NewRecord(payload, now)
	payload[0] = 'X'

	if r.ID == "" {
		t.Fatal("expected ID to be assigned")
	}
	if r.Status != StatusPending || r.UploadAttempts != 0 {
		t.Errorf("new record = %s/%d, want pending/0", r.Status, r.UploadAttempts)
	}
	if string(r.Payload) != "receipt" {
		t.Errorf("payload aliased caller buffer: %q", r.Payload)
	}
	if r.CreatedAt.Location() != time.UTC {
		t.Errorf("CreatedAt location = %v, want UTC", r.CreatedAt.Location())
	}
	if r.Checksum != Checksum([]byte("receipt")) || len(r.Checksum) != 16 {
		t.Errorf("checksum = %q", r.Checksum)
	}
	if other := NewRecord(payload, now); other.ID == r.ID {
		t.Error("expected distinct IDs")
	}
}

func TestRecord_RetryEligible(t *testing.T) {
	tests := []struct {
		status   Status
		attempts int
		max      int
		want     bool
	}{
		{StatusFailed, 1, 3, true},
		{StatusFailed, 3, 3, false},
		{StatusFailed, 10, 0, true},
		{StatusPending, 0, 3, false},
		{StatusUploaded, 1, 3, false},
	}
	for _, tt := range tests {
		r := &Record{Status: tt.status, UploadAttempts: tt.attempts}
		if got := r.RetryEligible(tt.max); got != tt.want {
			t.Errorf("RetryEligible(%s, %d/%d) = %v, want %v", tt.status, tt.attempts, tt.max, got, tt.want)
		}
	}
	if !(&Record{Status: StatusFailed, UploadAttempts: 3}).Exhausted(3) {
		t.Error("expected exhausted at ceiling")
	}
}
