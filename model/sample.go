package model

import "time"

// Sample is one stored battery telemetry record. Pointer fields are nil when
// the value is unknown or not measured yet.
type Sample struct {
	ID                 string    `json:"id" rethinkdb:"id"`
	Timestamp          time.Time `json:"timestamp" rethinkdb:"timestamp"`
	Voltage            float64   `json:"voltage" rethinkdb:"voltage"`
	SOC                float64   `json:"soc" rethinkdb:"soc"`
	Temperature        *float64  `json:"temperature" rethinkdb:"temperature"`
	ChargingCurrent    *float64  `json:"charging_current" rethinkdb:"charging_current"`
	DischargingCurrent *float64  `json:"discharging_current" rethinkdb:"discharging_current"`
	IsCharging         bool      `json:"is_charging" rethinkdb:"is_charging"`
	BatteryHealth      *float64  `json:"battery_health" rethinkdb:"battery_health"`
	CycleCount         *int      `json:"cycle_count" rethinkdb:"cycle_count"`
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}
