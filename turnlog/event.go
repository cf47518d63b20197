// Package turnlog persists one event per completed request as append-only
// JSONL with daily rotation, optionally mirrored onto a Pulse stream for live
// consumers. The JSONL files are the system of record for replay and
// evaluation; the stream is advisory.
package turnlog

import (
	"time"

	"github.com/DanielWarg/AliceV2-sub000/faults"
	"github.com/DanielWarg/AliceV2-sub000/tools"
)

type (
	// TurnEvent is the external per-request contract. Field names are part of
	// the downstream tooling's expectations and do not change casually.
	TurnEvent struct {
		Version       string             `json:"version"`
		Timestamp     time.Time          `json:"timestamp"`
		TraceID       string             `json:"trace_id"`
		SessionID     string             `json:"session_id"`
		Route         string             `json:"route"`
		E2EMSFirst    int64              `json:"e2e_ms_first"`
		E2EMSFull     int64              `json:"e2e_ms_full"`
		RAMPeakMB     float64            `json:"ram_peak"`
		ToolCalls     []tools.CallRecord `json:"tool_calls"`
		EnergyWh      float64            `json:"energy_wh"`
		OracleState   string             `json:"oracle_state"`
		PIIMasked     bool               `json:"pii_masked"`
		ConsentScopes []string           `json:"consent_scopes"`
		RAGStats      *RAGStats          `json:"rag_stats"`
		InputText     string             `json:"input_text"`
		OutputText    string             `json:"output_text"`
		Language      string             `json:"language"`

		// Diagnostic fields consumed by the monitoring endpoints.
		Intent            string       `json:"intent,omitempty"`
		RouteReason       string       `json:"route_reason,omitempty"`
		ModelID           string       `json:"model_id,omitempty"`
		CacheHit          bool         `json:"cache_hit"`
		CacheSource       string       `json:"cache_source,omitempty"`
		SchemaOK          bool         `json:"schema_ok"`
		RepairUsed        bool         `json:"repair_used,omitempty"`
		FallbackUsed      bool         `json:"fallback_used"`
		BlockedByGuardian bool         `json:"blocked_by_guardian"`
		NLUSource         string       `json:"nlu_source,omitempty"`
		ErrorClass        faults.Class `json:"error_class,omitempty"`

		// Bandit fields are nullable; they stay nil when exploration is off.
		Bandit *BanditInfo `json:"bandit"`
	}

	// RAGStats summarizes retrieval activity for the turn.
	RAGStats struct {
		Queries   int   `json:"queries"`
		Hits      int   `json:"hits"`
		LatencyMS int64 `json:"latency_ms"`
	}

	// BanditInfo records the exploration decision and the posted reward.
	BanditInfo struct {
		Canary bool    `json:"canary"`
		Method string  `json:"method"`
		Arm    string  `json:"arm,omitempty"`
		Reward float64 `json:"reward"`
	}
)

// EventVersion is the current turn-event schema version.
const EventVersion = "1"

// EnergyWh estimates the energy spent on a turn as wall time at the host's
// idle wattage. Advisory telemetry only.
func EnergyWh(elapsed time.Duration, baseWatts float64) float64 {
	return elapsed.Seconds() * baseWatts / 3600.0
}
