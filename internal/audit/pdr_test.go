package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/ananta888/ananta/internal/models"
)

type recordingSink struct {
	entries []models.PDREntry
	err     error
}

func (r *recordingSink) WritePDR(_ context.Context, action, inputsHash, outcome, taskID, details string) (*models.PDREntry, error) {
	if r.err != nil {
		return nil, r.err
	}
	e := models.PDREntry{Action: action, InputsHash: inputsHash, Outcome: outcome, TaskID: taskID, Details: details}
	r.entries = append(r.entries, e)
	return &e, nil
}

func TestRecordHashesInputs(t *testing.T) {
	sink := &recordingSink{}
	w := NewPDRWriter(sink, nil)

	inputs := map[string]string{"task_id": "tsk-1"}
	if _, err := w.Record(context.Background(), "task.claim", inputs, "granted", "tsk-1", ""); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if _, err := w.Record(context.Background(), "task.claim", inputs, "granted", "tsk-1", ""); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	if len(sink.entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(sink.entries))
	}
	if len(sink.entries[0].InputsHash) != 64 {
		t.Errorf("Expected a sha256 hex digest, got %q", sink.entries[0].InputsHash)
	}
	if sink.entries[0].InputsHash != sink.entries[1].InputsHash {
		t.Error("Identical inputs should hash identically")
	}
}

func TestRecordUnhashableInputs(t *testing.T) {
	if got := hashInputs(make(chan int)); got != "hash_error" {
		t.Errorf("Expected hash_error, got %q", got)
	}
}

func TestRecordPropagatesSinkError(t *testing.T) {
	boom := errors.New("disk full")
	w := NewPDRWriter(&recordingSink{err: boom}, nil)
	if _, err := w.Record(context.Background(), "task.ingest", nil, "ok", "", ""); !errors.Is(err, boom) {
		t.Errorf("Expected sink error, got %v", err)
	}
}
