// Package recovery audits persisted conversation state after a restart.
// Sessions written by an older build or a different catalog can violate the
// invariants the engine relies on; the audit finds them at boot, resets them
// to language selection, and reports what resumed, so operators see the
// damage in the logs instead of participants seeing it mid-conversation.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ConciergePipe/internal/models"
)

// SessionStore is the slice of the session repository the audit walks.
type SessionStore interface {
	ListSessions(ctx context.Context) ([]models.Session, error)
	SaveSession(ctx context.Context, session models.Session) error
}

// Catalog reports whether a flow is servable by the active question catalog.
type Catalog interface {
	Questions(flow models.Flow) ([]models.QuestionSlot, error)
}

// MetricsStore counts the sessions the audit had to repair.
type MetricsStore interface {
	IncrMetric(ctx context.Context, metric models.Metric) error
}

// Report summarizes one audit pass.
type Report struct {
	// Scanned is the number of persisted sessions examined.
	Scanned int
	// Resumed is the number of valid mid-flow sessions that will continue
	// where they left off.
	Resumed int
	// Repaired is the number of invalid sessions reset to language selection.
	Repaired int
}

// Auditor validates persisted sessions against the session invariants and
// the active catalog.
type Auditor struct {
	sessions SessionStore
	catalog  Catalog
	metrics  MetricsStore
}

// NewAuditor creates an Auditor. The catalog and metrics store may be nil;
// catalog coverage is then not checked and repairs are not counted.
func NewAuditor(sessions SessionStore, catalog Catalog, metrics MetricsStore) *Auditor {
	return &Auditor{sessions: sessions, catalog: catalog, metrics: metrics}
}

// Run scans every persisted session, resets the invalid ones, and returns the
// tally. Individual repair failures are logged and skipped; only a failure to
// list sessions aborts the audit.
func (a *Auditor) Run(ctx context.Context) (Report, error) {
	slog.Info("Auditor.Run: starting session audit")
	sessions, err := a.sessions.ListSessions(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("failed to list sessions: %w", err)
	}

	report := Report{Scanned: len(sessions)}
	for i := range sessions {
		session := sessions[i]
		if checkErr := a.check(session); checkErr != nil {
			slog.Warn("Auditor.Run: invalid session reset to language selection",
				"participant", session.ParticipantID, "stage", session.Stage, "flow", session.Flow, "error", checkErr)
			a.count(ctx, models.MetricErrors)
			if repairErr := a.repair(ctx, session); repairErr != nil {
				slog.Error("Auditor.Run: failed to repair session", "error", repairErr, "participant", session.ParticipantID)
				continue
			}
			report.Repaired++
			continue
		}
		if session.Stage == models.StageCollecting {
			slog.Debug("Auditor.Run: mid-flow session resumes",
				"participant", session.ParticipantID, "flow", session.Flow, "cursor", session.Cursor, "queue_length", len(session.Queue))
			report.Resumed++
		}
	}

	slog.Info("Auditor.Run: session audit finished",
		"scanned", report.Scanned, "resumed", report.Resumed, "repaired", report.Repaired)
	return report, nil
}

// check validates the session invariants plus catalog coverage for the flow
// being collected.
func (a *Auditor) check(session models.Session) error {
	if err := session.Validate(); err != nil {
		return err
	}
	if session.Stage == models.StageCollecting && a.catalog != nil {
		if _, err := a.catalog.Questions(session.Flow); err != nil {
			return fmt.Errorf("flow %q not servable by the active catalog: %w", session.Flow, err)
		}
	}
	return nil
}

// repair replaces an invalid session with a fresh one at language selection,
// keeping the original creation time.
func (a *Auditor) repair(ctx context.Context, session models.Session) error {
	if session.ParticipantID == "" {
		return fmt.Errorf("session has no participant ID")
	}
	fresh := models.NewSession(session.ParticipantID)
	if !session.CreatedAt.IsZero() {
		fresh.CreatedAt = session.CreatedAt
	}
	fresh.UpdatedAt = time.Now().UTC()
	return a.sessions.SaveSession(ctx, fresh)
}

func (a *Auditor) count(ctx context.Context, metric models.Metric) {
	if a.metrics == nil {
		return
	}
	if err := a.metrics.IncrMetric(ctx, metric); err != nil {
		slog.Warn("Auditor: failed to increment metric", "error", err, "metric", metric)
	}
}
