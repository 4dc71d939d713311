package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// IncidentType classifies abnormal events detected by the reconciler and the
// risk guard.
type IncidentType string

const (
	IncidentOrphan        IncidentType = "orphan"
	IncidentMarginBreach  IncidentType = "margin_breach"
	IncidentDeltaBreach   IncidentType = "delta_breach"
	IncidentReconDrift    IncidentType = "reconciliation_drift"
	IncidentAPIError      IncidentType = "api_error"
	IncidentLiquidation   IncidentType = "liquidation_proximity"
	IncidentManualAttn    IncidentType = "manual_intervention"
	IncidentChaseExhaust  IncidentType = "chase_exhausted"
	IncidentEmergencyStop IncidentType = "emergency_stop"
)

// Severity ranks incidents. S1 is recoverable locally, S2 requires forced
// position recovery, S3 means a venue outage or manual intervention.
type Severity string

const (
	SeverityS1 Severity = "s1_partial"
	SeverityS2 Severity = "s2_orphan"
	SeverityS3 Severity = "s3_outage"
)

// Incident records one abnormal event tied to a trade. Incidents are
// immutable once written: the audit trail is append-only.
type Incident struct {
	ID       uuid.UUID    `json:"id"`
	TradeID  uuid.UUID    `json:"trade_id"`
	Type     IncidentType `json:"type"`
	Severity Severity     `json:"severity"`
	Venue    string       `json:"venue,omitempty"`
	Symbol   string       `json:"symbol,omitempty"`
	Message  string       `json:"message"`

	Measured  decimal.Decimal `json:"measured"`
	Threshold decimal.Decimal `json:"threshold"`

	DetectedAt time.Time `json:"detected_at"`
	Action     string    `json:"action,omitempty"`
}
