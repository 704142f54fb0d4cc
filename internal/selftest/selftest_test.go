package selftest

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/ConciergePipe/internal/models"
)

type fakeMemory struct {
	data    map[string]map[string]string
	loadErr error
	saveErr error
}

func (f *fakeMemory) LoadMemory(ctx context.Context, participantID string) (map[string]string, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.data[participantID], nil
}

func (f *fakeMemory) SaveMemory(ctx context.Context, participantID string, memory map[string]string) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	if f.data == nil {
		f.data = make(map[string]map[string]string)
	}
	f.data[participantID] = memory
	return nil
}

type fakeMetrics struct {
	metrics models.Metrics
	loadErr error
	saveErr error
}

func (f *fakeMetrics) LoadMetrics(ctx context.Context) (models.Metrics, error) {
	if f.loadErr != nil {
		return models.Metrics{}, f.loadErr
	}
	return f.metrics, nil
}

func (f *fakeMetrics) SaveMetrics(ctx context.Context, metrics models.Metrics) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.metrics = metrics
	return nil
}

func TestReportAllPassing(t *testing.T) {
	runner := NewRunner(&fakeMemory{}, &fakeMetrics{metrics: models.NewMetrics()})
	report := runner.Report(context.Background())

	if !strings.Contains(report, "Intent detection (diet): PASS") {
		t.Errorf("diet probe should pass, got:\n%s", report)
	}
	if !strings.Contains(report, "Intent detection (shopping): PASS") {
		t.Errorf("shopping probe should pass, got:\n%s", report)
	}
	if !strings.Contains(report, "Intent detection (travel): PASS") {
		t.Errorf("travel probe should pass, got:\n%s", report)
	}
	if !strings.Contains(report, "5/5 tests passed.") {
		t.Errorf("expected 5/5 summary, got:\n%s", report)
	}
}

func TestChecksFailingStores(t *testing.T) {
	runner := NewRunner(
		&fakeMemory{saveErr: errors.New("disk full")},
		&fakeMetrics{loadErr: errors.New("unreachable")},
	)
	checks := runner.Checks(context.Background())

	byName := make(map[string]bool, len(checks))
	for _, c := range checks {
		byName[c.Name] = c.OK
	}
	if byName["Memory persistence"] {
		t.Error("memory probe should fail when saves fail")
	}
	if byName["Metrics persistence"] {
		t.Error("metrics probe should fail when loads fail")
	}
	if !byName["Intent detection (diet)"] {
		t.Error("classifier probes should not depend on stores")
	}
}

func TestReportNilStores(t *testing.T) {
	runner := NewRunner(nil, nil)
	report := runner.Report(context.Background())
	if !strings.Contains(report, "3/5 tests passed.") {
		t.Errorf("expected 3/5 summary with nil stores, got:\n%s", report)
	}
}
