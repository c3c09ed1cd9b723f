package models

import (
	"time"
)

// Reading is a single synthesized sensor value.
type Reading struct {
	SensorName string    `json:"sensor_name"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit"`
	Timestamp  time.Time `json:"timestamp"`
}

// Batch groups every reading produced during one tick. It is the unit
// handed to sinks and the JSON payload published on message buses.
type Batch struct {
	Station   string    `json:"station"`
	Record    int64     `json:"record"`
	Timestamp time.Time `json:"timestamp"`
	Readings  []Reading `json:"readings"`
}
