// internal/storage/registry.go
package storage

import "sort"

const (
	TypeGeneric  = "generic"
	TypePressure = "pressure"
	TypeFlow     = "flow"
	TypeLeak     = "leak"
)

// Thresholds are the static limits configured for one sensor. Nil means unset.
type Thresholds struct {
	Min         *float64 `mapstructure:"min" json:"min,omitempty"`
	Max         *float64 `mapstructure:"max" json:"max,omitempty"`
	ExpectedMin *float64 `mapstructure:"expected_min" json:"expected_min,omitempty"`
	ExpectedMax *float64 `mapstructure:"expected_max" json:"expected_max,omitempty"`
	Floor       *float64 `mapstructure:"floor" json:"floor,omitempty"`
	Ceiling     *float64 `mapstructure:"ceiling" json:"ceiling,omitempty"`
}

// SensorConfig registers a sensor with its type, tenant and limits.
type SensorConfig struct {
	SensorID     string     `mapstructure:"sensor_id"`
	DeviceID     string     `mapstructure:"device_id"`
	Type         string     `mapstructure:"type"`
	Tenant       string     `mapstructure:"tenant"`
	Thresholds   Thresholds `mapstructure:"thresholds"`
	PairSensorID string     `mapstructure:"pair_sensor_id"`
	MaxImbalance float64    `mapstructure:"max_imbalance"`
}

// SensorMeta is the static description the pipeline attaches to a sensor.
type SensorMeta struct {
	SensorID     string
	DeviceID     string
	Type         string
	TenantID     string
	Thresholds   Thresholds
	PairSensorID string
	MaxImbalance float64
	Registered   bool
}

// Registry is read-only after construction.
type Registry struct {
	defaultTenant string
	sensors       map[string]SensorMeta
	byDevice      map[string][]string
}

func NewRegistry(defaultTenant string, sensors []SensorConfig) *Registry {
	r := &Registry{
		defaultTenant: defaultTenant,
		sensors:       make(map[string]SensorMeta, len(sensors)),
		byDevice:      make(map[string][]string),
	}
	for _, s := range sensors {
		meta := SensorMeta{
			SensorID:     s.SensorID,
			DeviceID:     s.DeviceID,
			Type:         s.Type,
			TenantID:     s.Tenant,
			Thresholds:   s.Thresholds,
			PairSensorID: s.PairSensorID,
			MaxImbalance: s.MaxImbalance,
			Registered:   true,
		}
		if meta.Type == "" {
			meta.Type = TypeGeneric
		}
		if meta.TenantID == "" {
			meta.TenantID = defaultTenant
		}
		if meta.DeviceID == "" {
			meta.DeviceID = s.SensorID
		}
		r.sensors[s.SensorID] = meta
		r.byDevice[meta.DeviceID] = append(r.byDevice[meta.DeviceID], s.SensorID)
	}
	for _, ids := range r.byDevice {
		sort.Strings(ids)
	}
	return r
}

// Lookup never fails: unknown sensors get the generic type and default tenant.
func (r *Registry) Lookup(sensorID, deviceID string) SensorMeta {
	if m, ok := r.sensors[sensorID]; ok {
		return m
	}
	return SensorMeta{
		SensorID: sensorID,
		DeviceID: deviceID,
		Type:     TypeGeneric,
		TenantID: r.defaultTenant,
	}
}

// Siblings lists the other registered sensors on the same device.
func (r *Registry) Siblings(deviceID, sensorID string) []string {
	var out []string
	for _, id := range r.byDevice[deviceID] {
		if id != sensorID {
			out = append(out, id)
		}
	}
	return out
}
