package api

import "time"

// QueryFilter defines criteria for querying audit records.
type QueryFilter struct {
	Since      time.Time `json:"since,omitempty"`
	Until      time.Time `json:"until,omitempty"`
	RuleID     int       `json:"rule_id,omitempty"`
	ClientIP   string    `json:"client_ip,omitempty"`
	Intervened bool      `json:"intervened,omitempty"`
	Limit      int       `json:"limit,omitempty"`
	Offset     int       `json:"offset,omitempty"`
}

// AuditStats provides summary statistics for the admin API.
type AuditStats struct {
	TotalRecords  int            `json:"total_records"`
	Interventions int            `json:"interventions"`
	ByRule        map[int]int    `json:"by_rule"`
	ByStatus      map[int]int    `json:"by_status"`
	ByClient      map[string]int `json:"by_client"`
}
