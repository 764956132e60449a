package escrow

import (
	"context"
	"time"
)

// Flag is the coarse health classification of the escrow pipeline.
type Flag string

const (
	FlagOK      Flag = "ok"
	FlagWarning Flag = "warning"
)

// Report aggregates operational metrics for dashboards and alerts.
type Report struct {
	GeneratedAt  time.Time         `json:"generatedAt"`
	Window       time.Duration     `json:"-"`
	WindowHours  float64           `json:"windowHours"`
	ByStatus     map[string]Tally  `json:"byStatus"`
	NearTimeout  Tally             `json:"nearTimeout"`  // held, deadline within the horizon
	PendingSetup Tally             `json:"pendingSetup"` // captured funds awaiting payee setup
	Flag         Flag              `json:"flag"`
	Warnings     []string          `json:"warnings,omitempty"`
}

// ReporterConfig holds the thresholds that trip the warning flag.
type ReporterConfig struct {
	Window                time.Duration // rolling window for the status histogram
	NearTimeoutWindow     time.Duration // "close to deadline" horizon
	NearTimeoutWarnCount  int
	PendingSetupWarnMinor int64
}

// Reporter produces escrow pipeline health reports. Read-only: it never
// mutates a transaction and never talks to the processor.
type Reporter struct {
	store Store
	cfg   ReporterConfig
}

// NewReporter creates a health reporter.
func NewReporter(store Store, cfg ReporterConfig) *Reporter {
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	if cfg.NearTimeoutWindow <= 0 {
		cfg.NearTimeoutWindow = time.Hour
	}
	return &Reporter{store: store, cfg: cfg}
}

// Report computes the current aggregate view.
func (r *Reporter) Report(ctx context.Context) (*Report, error) {
	now := time.Now().UTC()

	totals, err := r.store.StatusTotals(ctx, now.Add(-r.cfg.Window))
	if err != nil {
		return nil, err
	}

	nearTimeout, err := r.store.TallyNearTimeout(ctx, now, now.Add(r.cfg.NearTimeoutWindow))
	if err != nil {
		return nil, err
	}

	pendingSetup, err := r.store.TallyByStatus(ctx, StatusPendingPayeeSetup)
	if err != nil {
		return nil, err
	}

	report := &Report{
		GeneratedAt:  now,
		Window:       r.cfg.Window,
		WindowHours:  r.cfg.Window.Hours(),
		ByStatus:     make(map[string]Tally, len(totals)),
		NearTimeout:  nearTimeout,
		PendingSetup: pendingSetup,
		Flag:         FlagOK,
	}
	for status, tally := range totals {
		report.ByStatus[string(status)] = tally
	}

	if r.cfg.NearTimeoutWarnCount > 0 && nearTimeout.Count >= r.cfg.NearTimeoutWarnCount {
		report.Flag = FlagWarning
		report.Warnings = append(report.Warnings, "held transactions piling up near the deadline")
	}
	if r.cfg.PendingSetupWarnMinor > 0 && pendingSetup.AmountMinor >= r.cfg.PendingSetupWarnMinor {
		report.Flag = FlagWarning
		report.Warnings = append(report.Warnings, "captured funds stuck behind payee payout setup")
	}

	return report, nil
}
