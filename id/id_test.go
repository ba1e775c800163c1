package id_test

import (
	"strings"
	"testing"

	"github.com/podworks/cadence/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		newFn  func() id.ID
		prefix string
	}{
		{"JobID", id.NewJobID, "job_"},
		{"CampaignID", id.NewCampaignID, "cmp_"},
		{"DeliveryID", id.NewDeliveryID, "dlv_"},
		{"WorkerID", id.NewWorkerID, "wkr_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.newFn().String()
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, got)
			}
		})
	}
}

func TestNew(t *testing.T) {
	i := id.New(id.PrefixJob)
	if i.IsNil() {
		t.Fatal("expected non-nil ID")
	}
	if i.Prefix() != id.PrefixJob {
		t.Errorf("expected prefix %q, got %q", id.PrefixJob, i.Prefix())
	}
}

func TestParseRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		newFn   func() id.ID
		parseFn func(string) (id.ID, error)
	}{
		{"JobID", id.NewJobID, id.ParseJobID},
		{"CampaignID", id.NewCampaignID, id.ParseCampaignID},
		{"DeliveryID", id.NewDeliveryID, id.ParseDeliveryID},
		{"WorkerID", id.NewWorkerID, id.ParseWorkerID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := tt.newFn()
			parsed, err := tt.parseFn(original.String())
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if parsed.String() != original.String() {
				t.Errorf("round-trip mismatch: %q != %q", parsed.String(), original.String())
			}
		})
	}
}

func TestCrossTypeRejection(t *testing.T) {
	jobID := id.NewJobID()

	if _, err := id.ParseCampaignID(jobID.String()); err == nil {
		t.Error("expected campaign parser to reject a job ID")
	}
	if _, err := id.ParseWorkerID(jobID.String()); err == nil {
		t.Error("expected worker parser to reject a job ID")
	}
}

func TestParseInvalid(t *testing.T) {
	if _, err := id.Parse(""); err == nil {
		t.Error("expected error for empty string")
	}
	if _, err := id.Parse("not a typeid"); err == nil {
		t.Error("expected error for malformed input")
	}
}

func TestNilID(t *testing.T) {
	var zero id.ID
	if !zero.IsNil() {
		t.Error("zero value should be nil")
	}
	if zero.String() != "" {
		t.Errorf("nil ID should stringify to empty, got %q", zero.String())
	}
	if zero.Prefix() != "" {
		t.Errorf("nil ID prefix should be empty, got %q", zero.Prefix())
	}
}

func TestTextRoundTrip(t *testing.T) {
	original := id.NewDeliveryID()

	data, err := original.MarshalText()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded id.ID
	if err := decoded.UnmarshalText(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.String() != original.String() {
		t.Errorf("text round-trip mismatch: %q != %q", decoded.String(), original.String())
	}
}

func TestScanSources(t *testing.T) {
	original := id.NewJobID()

	var fromString id.ID
	if err := fromString.Scan(original.String()); err != nil {
		t.Fatalf("scan string: %v", err)
	}
	if fromString.String() != original.String() {
		t.Errorf("scan string mismatch: %q != %q", fromString.String(), original.String())
	}

	var fromBytes id.ID
	if err := fromBytes.Scan([]byte(original.String())); err != nil {
		t.Fatalf("scan bytes: %v", err)
	}

	var fromNil id.ID
	if err := fromNil.Scan(nil); err != nil {
		t.Fatalf("scan nil: %v", err)
	}
	if !fromNil.IsNil() {
		t.Error("scanning nil should produce the nil ID")
	}

	var bad id.ID
	if err := bad.Scan(42); err == nil {
		t.Error("expected error scanning unsupported type")
	}
}
