package httphandler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ericfisherdev/vpnpanel/internal/domain/model"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error string `json:"error"`
}

// CreateKeyRequest is the JSON body for the create key endpoint.
type CreateKeyRequest struct {
	Name   string `json:"name"`
	Domain string `json:"domain,omitempty"`
}

// KeyResponse is the JSON representation of a credential.
type KeyResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	UUID      string `json:"uuid"`
	Port      int    `json:"port,omitempty"`
	ShortID   string `json:"short_id"`
	Domain    string `json:"domain,omitempty"`
	IsActive  bool   `json:"is_active"`
	CreatedAt string `json:"created_at"`
}

// TrafficResponse is the JSON representation of a credential's lifetime traffic.
type TrafficResponse struct {
	UUID       string `json:"uuid"`
	KeyName    string `json:"key_name"`
	Port       int    `json:"port,omitempty"`
	TotalBytes int64  `json:"total_bytes"`
	Total      string `json:"total"`
	Source     string `json:"source,omitempty"`
	UpdatedAt  string `json:"updated_at,omitempty"`
}

// DailyTrafficResponse is one day of a monthly traffic report.
type DailyTrafficResponse struct {
	Day   string `json:"day"`
	Bytes int64  `json:"bytes"`
	Total string `json:"total"`
}

// MonthlyTrafficResponse is the JSON representation of a monthly traffic report.
type MonthlyTrafficResponse struct {
	UUID       string                 `json:"uuid"`
	Month      string                 `json:"month"`
	TotalBytes int64                  `json:"total_bytes"`
	Total      string                 `json:"total"`
	Days       []DailyTrafficResponse `json:"days"`
}

// PortAssignmentResponse is the JSON representation of a port assignment.
type PortAssignmentResponse struct {
	Port       int    `json:"port"`
	UUID       string `json:"uuid"`
	KeyID      string `json:"key_id"`
	KeyName    string `json:"key_name"`
	IsActive   bool   `json:"is_active"`
	AssignedAt string `json:"assigned_at"`
}

// PortsResponse reports allocator occupancy.
type PortsResponse struct {
	RangeStart  int                      `json:"range_start"`
	RangeEnd    int                      `json:"range_end"`
	Used        int                      `json:"used"`
	Available   int                      `json:"available"`
	Capacity    int                      `json:"capacity"`
	Assignments []PortAssignmentResponse `json:"assignments"`
}

// PortValidationResponse is the result of cross-checking port assignments.
type PortValidationResponse struct {
	Valid            bool     `json:"valid"`
	Issues           []string `json:"issues"`
	TotalAssignments int      `json:"total_assignments"`
	TotalUsedPorts   int      `json:"total_used_ports"`
}

// ResetResponse reports whether a traffic entry existed before the reset.
type ResetResponse struct {
	Reset bool `json:"reset"`
}

// RepairResponse reports how many items a repair operation rewrote.
type RepairResponse struct {
	Repaired int `json:"repaired"`
}

// HealthResponse is the JSON representation of the health check endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

func toKeyResponse(c model.Credential) KeyResponse {
	return KeyResponse{
		ID:        c.ID,
		Name:      c.Name,
		UUID:      c.UUID,
		Port:      c.PortOrZero(),
		ShortID:   c.ShortID,
		Domain:    c.Domain,
		IsActive:  c.IsActive,
		CreatedAt: c.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func toTrafficResponse(e model.TrafficEntry) TrafficResponse {
	resp := TrafficResponse{
		UUID:       e.UUID,
		KeyName:    e.KeyName,
		Port:       e.Port,
		TotalBytes: e.TotalBytes,
		Total:      formatBytes(e.TotalBytes),
		Source:     e.LastSource,
	}
	if !e.UpdatedAt.IsZero() {
		resp.UpdatedAt = e.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func toMonthlyResponse(m model.MonthlyTraffic) MonthlyTrafficResponse {
	days := make([]DailyTrafficResponse, 0, len(m.Days))
	for _, d := range m.Days {
		days = append(days, DailyTrafficResponse{Day: d.Day, Bytes: d.Bytes, Total: formatBytes(d.Bytes)})
	}

	return MonthlyTrafficResponse{
		UUID:       m.UUID,
		Month:      m.YearMonth,
		TotalBytes: m.TotalBytes,
		Total:      formatBytes(m.TotalBytes),
		Days:       days,
	}
}

func toPortsResponse(r model.PortRange, u model.PortUsage, assignments []model.PortAssignment) PortsResponse {
	list := make([]PortAssignmentResponse, 0, len(assignments))
	for _, a := range assignments {
		list = append(list, PortAssignmentResponse{
			Port:       a.Port,
			UUID:       a.UUID,
			KeyID:      a.KeyID,
			KeyName:    a.KeyName,
			IsActive:   a.IsActive,
			AssignedAt: a.AssignedAt.UTC().Format(time.RFC3339),
		})
	}

	return PortsResponse{
		RangeStart:  r.Start,
		RangeEnd:    r.End,
		Used:        u.Used,
		Available:   u.Available,
		Capacity:    u.Capacity,
		Assignments: list,
	}
}

func toPortValidationResponse(v model.PortValidation) PortValidationResponse {
	issues := v.Issues
	if issues == nil {
		issues = []string{}
	}

	return PortValidationResponse{
		Valid:            v.Valid,
		Issues:           issues,
		TotalAssignments: v.TotalAssignments,
		TotalUsedPorts:   v.TotalUsedPorts,
	}
}

// formatBytes renders n in IEC units, e.g. "1.5 KiB".
func formatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}
