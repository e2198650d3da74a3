package domain

import "time"

// Tracking is the latest known position of an order's drone on its current leg.
type Tracking struct {
	Position    Coordinates `json:"position"`
	Percent     float64     `json:"percent"`
	RemainingKm float64     `json:"remaining_km"`
	ETAMinutes  float64     `json:"eta_minutes"`
	Returning   bool        `json:"returning"`
	At          time.Time   `json:"at"`
}
