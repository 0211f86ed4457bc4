package catalog

import "time"

// Item is one row of the provider catalog mirror. ProfessionalID 0 means
// "any professional".
type Item struct {
	Tenant             string
	ServiceID          int64
	ProfessionalID     int64
	Name               string
	NormalizedName     string
	Category           string
	NormalizedCategory string
	DurationMin        int
	Price              *float64
	Visible            bool
	Active             bool
	UpdatedAt          time.Time
	LastSyncedAt       time.Time
}

// Suggestion is a ranked candidate returned to the disambiguation flow.
// Category carries the normalized category for confidence scoring.
type Suggestion struct {
	ServiceID   int64    `json:"service_id"`
	Name        string   `json:"name"`
	Category    string   `json:"category,omitempty"`
	DurationMin int      `json:"duration_min"`
	Price       *float64 `json:"price,omitempty"`
}

// Addon is a secondary service recommended after a confirmed booking.
type Addon struct {
	ServiceID   int64    `json:"service_id"`
	Name        string   `json:"name"`
	DurationMin int      `json:"duration_min"`
	Price       *float64 `json:"price,omitempty"`
}
