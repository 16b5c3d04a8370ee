// Package audit provides PDR (Process Decision Record) writing for Ananta.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"

	"github.com/ananta888/ananta/internal/logging"
	"github.com/ananta888/ananta/internal/models"
)

// Sink persists decision records.
type Sink interface {
	WritePDR(ctx context.Context, action, inputsHash, outcome, taskID, details string) (*models.PDREntry, error)
}

// PDRWriter writes Process Decision Records for audit trails.
type PDRWriter struct {
	sink   Sink
	logger *slog.Logger
}

// NewPDRWriter creates a new PDR writer.
func NewPDRWriter(sink Sink, logger *slog.Logger) *PDRWriter {
	return &PDRWriter{sink: sink, logger: logging.OrDiscard(logger).With("component", "audit")}
}

// Record writes a PDR entry for an orchestration decision. Write failures
// are logged and returned; callers treat the audit trail as best effort.
func (w *PDRWriter) Record(ctx context.Context, action string, inputs any, outcome, taskID, details string) (*models.PDREntry, error) {
	if w == nil || w.sink == nil {
		return nil, nil
	}
	entry, err := w.sink.WritePDR(ctx, action, hashInputs(inputs), outcome, taskID, details)
	if err != nil {
		w.logger.Warn("pdr write failed", "action", action, "task_id", taskID, "error", err)
		return nil, err
	}
	return entry, nil
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs any) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
