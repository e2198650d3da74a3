package realtime

import "drone-delivery-service/internal/domain"

type ClientMessageType string

const (
	MsgJoin           ClientMessageType = "join"
	MsgLeave          ClientMessageType = "leave"
	MsgLocationUpdate ClientMessageType = "location-update"
)

// ClientMessage is what observers and demo drones send over the socket.
type ClientMessage struct {
	Type        ClientMessageType   `json:"type"`
	OrderID     string              `json:"order_id"`
	Position    *domain.Coordinates `json:"position,omitempty"`
	Percent     float64             `json:"percent,omitempty"`
	RemainingKm float64             `json:"remaining_km,omitempty"`
	ETAMinutes  float64             `json:"eta_minutes,omitempty"`
}

// ServerError reports a rejected client message. It is never an envelope.
type ServerError struct {
	Type    string `json:"type"`
	OrderID string `json:"order_id,omitempty"`
	Error   string `json:"error"`
}

const ServerErrorType = "error"

// Snapshot is the subset of GET /orders/{id} the reducer reconciles against.
// Tracking is present only while the drone is on a leg.
type Snapshot struct {
	OrderID    string            `json:"id"`
	Status     domain.Status     `json:"status"`
	Version    int64             `json:"version"`
	DroneID    string            `json:"drone_id,omitempty"`
	Timestamps domain.Timestamps `json:"timestamps"`
	Trackable  bool              `json:"trackable"`
	Tracking   *domain.Tracking  `json:"tracking,omitempty"`
}
