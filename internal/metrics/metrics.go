package metrics

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/org/credbroker/pkg/models"
)

// Exporter renders broker gauges to a Prometheus textfile after each
// mutating operation. There is no standing process to scrape, so the file
// is meant for the node_exporter textfile collector.
type Exporter struct {
	path string
	reg  *prometheus.Registry

	secretsTotal  *prometheus.GaugeVec
	grantsActive  prometheus.Gauge
	grantsExpired prometheus.Gauge
	totpEnrolled  prometheus.Gauge
	auditEntries  prometheus.Gauge
}

// NewExporter creates an Exporter writing to the given file path.
func NewExporter(path string) *Exporter {
	e := &Exporter{
		path: path,
		reg:  prometheus.NewRegistry(),
		secretsTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "credbroker_secrets_total",
			Help: "Number of stored secrets by tier.",
		}, []string{"tier"}),
		grantsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "credbroker_grants_active",
			Help: "Grants currently authorizing reads.",
		}),
		grantsExpired: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "credbroker_grants_expired",
			Help: "Grant records past their expiry, retained until replaced or revoked.",
		}),
		totpEnrolled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "credbroker_totp_enrolled",
			Help: "Whether TOTP enrollment has completed: 0 or 1.",
		}),
		auditEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "credbroker_audit_entries_total",
			Help: "Entries in the audit log.",
		}),
	}
	e.reg.MustRegister(e.secretsTotal, e.grantsActive, e.grantsExpired, e.totpEnrolled, e.auditEntries)
	return e
}

// Export updates the gauges from the given snapshot and rewrites the
// textfile. The write itself goes through a temp file and a rename.
func (e *Exporter) Export(info models.BrokerInfo) error {
	e.secretsTotal.Reset()
	for _, tier := range []models.Tier{models.TierOpen, models.TierControlled, models.TierRestricted} {
		e.secretsTotal.WithLabelValues(string(tier)).Set(float64(info.SecretsByTier[tier]))
	}
	e.grantsActive.Set(float64(info.ActiveGrants))
	e.grantsExpired.Set(float64(info.ExpiredGrants))
	if info.TOTPEnrolled {
		e.totpEnrolled.Set(1)
	} else {
		e.totpEnrolled.Set(0)
	}
	e.auditEntries.Set(float64(info.AuditEntries))

	if err := prometheus.WriteToTextfile(e.path, e.reg); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	// WriteToTextfile leaves 0644 behind; state files are 0600.
	if err := os.Chmod(e.path, 0o600); err != nil {
		return fmt.Errorf("restricting metrics file mode: %w", err)
	}
	return nil
}
