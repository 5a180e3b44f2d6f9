package model

import (
	"sort"
	"time"
)

// -----------------------------------------------------------------------------
// Session Types
// -----------------------------------------------------------------------------

// Role is the kind of account.
type Role string

const (
	RoleFarmer     Role = "farmer"
	RoleAgronomist Role = "agronomist"
)

// User is the authenticated account returned by /api/auth/me.
type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Role      Role   `json:"role"`
	IsPremium bool   `json:"isPremium"`
}

// AuthResponse is returned by login and register.
type AuthResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// -----------------------------------------------------------------------------
// Monitoring Types
// -----------------------------------------------------------------------------

// CropField is a monitored field.
type CropField struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CropID    string    `json:"cropId"`
	Area      float64   `json:"area"` // hectares
	Latitude  float64   `json:"latitude,omitempty"`
	Longitude float64   `json:"longitude,omitempty"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
}

// Severity ranks alerts.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from 0 (unknown) to 4 (critical).
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Alert types raised by the backend.
const (
	AlertWeather    = "weather"
	AlertPest       = "pest"
	AlertDisease    = "disease"
	AlertSoil       = "soil"
	AlertIrrigation = "irrigation"
	AlertHarvest    = "harvest"
)

// Alert is a monitoring alert for a field.
type Alert struct {
	ID         string    `json:"id"`
	FieldID    string    `json:"fieldId"`
	Type       string    `json:"type"`
	Severity   Severity  `json:"severity"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	IsRead     bool      `json:"isRead"`
	IsResolved bool      `json:"isResolved"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Open reports whether the alert still needs attention.
func (a Alert) Open() bool {
	return a.Severity == SeverityCritical && !a.IsResolved
}

// UnreadAlerts returns alerts not yet marked read.
func UnreadAlerts(alerts []Alert) []Alert {
	var out []Alert
	for _, a := range alerts {
		if !a.IsRead {
			out = append(out, a)
		}
	}
	return out
}

// CriticalAlerts returns unresolved critical alerts.
func CriticalAlerts(alerts []Alert) []Alert {
	var out []Alert
	for _, a := range alerts {
		if a.Open() {
			out = append(out, a)
		}
	}
	return out
}

// SortAlerts orders alerts by severity, then newest first.
func SortAlerts(alerts []Alert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		ri, rj := alerts[i].Severity.Rank(), alerts[j].Severity.Rank()
		if ri != rj {
			return ri > rj
		}
		return alerts[i].CreatedAt.After(alerts[j].CreatedAt)
	})
}

// Sensor types reported by field stations.
const (
	SensorSoilMoisture    = "soil_moisture"
	SensorSoilTemperature = "soil_temperature"
	SensorAirTemperature  = "air_temperature"
	SensorHumidity        = "humidity"
	SensorPH              = "ph"
	SensorNutrients       = "nutrients"
	SensorWeather         = "weather"
)

var sensorUnits = map[string]string{
	SensorSoilMoisture:    "%",
	SensorSoilTemperature: "°C",
	SensorAirTemperature:  "°C",
	SensorHumidity:        "%",
	SensorPH:              "pH",
	SensorNutrients:       "ppm",
	SensorWeather:         "",
}

// SensorUnit returns the display unit of a sensor type.
func SensorUnit(sensorType string) string {
	return sensorUnits[sensorType]
}

// Reading is one sensor measurement.
type Reading struct {
	ID         string    `json:"id"`
	FieldID    string    `json:"fieldId"`
	SensorType string    `json:"sensorType"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// GroupBySensor buckets readings by sensor type, keeping input order.
func GroupBySensor(readings []Reading) map[string][]Reading {
	out := make(map[string][]Reading)
	for _, r := range readings {
		out[r.SensorType] = append(out[r.SensorType], r)
	}
	return out
}
