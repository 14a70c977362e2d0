package core

// DeviceBinding constrains which devices may execute a task star.
// Either DeviceID pins the task to a concrete device, or Capabilities
// (plus an optional OS tag) select any device satisfying the predicate.
type DeviceBinding struct {
	DeviceID     string   `json:"device_id,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	OS           string   `json:"os,omitempty"`
}

// IsZero reports whether the binding constrains nothing.
func (b DeviceBinding) IsZero() bool {
	return b.DeviceID == "" && len(b.Capabilities) == 0 && b.OS == ""
}

// IsExplicit reports whether the binding names a concrete device.
func (b DeviceBinding) IsExplicit() bool {
	return b.DeviceID != ""
}
