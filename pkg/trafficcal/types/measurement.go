package types

import "time"

// Measurement is one ground-truth observation of weekly walk-ins
type Measurement struct {
	ID                    string    `json:"id"`
	PropertyID            string    `json:"propertyId"`
	MeasurementDate       time.Time `json:"measurementDate"`
	Week                  int       `json:"week"` // derived from MeasurementDate
	Year                  int       `json:"year"` // derived from MeasurementDate
	TotalWalkIns          int64     `json:"totalWalkIns"`
	Method                string    `json:"method"`
	MeasurementConfidence float64   `json:"measurementConfidence"` // 0.0-1.0
	Weather               string    `json:"weather,omitempty"`
	TemperatureC          *float64  `json:"temperatureC,omitempty"`
	SpecialEvents         []string  `json:"specialEvents,omitempty"`
	Notes                 string    `json:"notes,omitempty"`
	CreatedAt             time.Time `json:"createdAt"`
}

// Bucket returns the measurement's (week, year) slot
func (m *Measurement) Bucket() Bucket {
	return Bucket{Week: m.Week, Year: m.Year}
}
