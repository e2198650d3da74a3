package domain

type DroneStatus string

const (
	DroneAvailable   DroneStatus = "available"
	DroneAssigned    DroneStatus = "assigned"
	DroneDelivering  DroneStatus = "delivering"
	DroneReturning   DroneStatus = "returning"
	DroneMaintenance DroneStatus = "maintenance"
)

// Drone is a read-mostly snapshot owned by the fleet subsystem.
// The coordinator only writes CurrentLocation and Status.
type Drone struct {
	ID              string
	CurrentLocation *Coordinates
	HomeLocation    *Coordinates
	BatteryLevel    float64
	Status          DroneStatus
}
