package device

import (
	"time"

	"github.com/com6056/nanit-sound-light/internal/wire"
)

// Device identifies one Sound + Light unit discovered from the account.
//
// The cloud models the unit as a speaker attached to a baby profile; the
// profile supplies the human-readable name while the speaker id addresses
// the relay connection.
type Device struct {
	// ID is the baby profile uid the speaker is attached to. It keys every
	// map in the system.
	ID string `json:"id"`

	// DisplayName is the profile name, used for logging and UI surfaces.
	DisplayName string `json:"display_name"`

	// SpeakerID is the cloud's own id for the speaker hardware; the relay
	// connection is addressed by this id, not the profile uid.
	SpeakerID string `json:"speaker_id"`

	// SpeakerName is the hardware's advertised name, when the cloud
	// reports one.
	SpeakerName string `json:"speaker_name,omitempty"`
}

// State is the accumulated view of one device's reported attributes.
//
// Every field is a pointer: nil means the device has never reported the
// attribute. Devices report sparsely, so state is only ever widened by
// merging, never rebuilt from a single message.
type State struct {
	IsOn       *bool    `json:"is_on,omitempty"`
	Brightness *float64 `json:"brightness,omitempty"`
	Volume     *float64 `json:"volume,omitempty"`
	Sound      *string  `json:"sound,omitempty"`

	NoColor    *bool    `json:"no_color,omitempty"`
	Hue        *float64 `json:"hue,omitempty"`
	Saturation *float64 `json:"saturation,omitempty"`

	Temperature *float64 `json:"temperature,omitempty"`
	Humidity    *float64 `json:"humidity,omitempty"`

	// Sounds is the device's track catalogue including the silence option.
	// Empty until the catalogue request has been answered.
	Sounds []string `json:"sounds,omitempty"`
}

// Apply merges decoded wire fields into the state, field by field.
// Absent fields leave the current value untouched.
// Returns true if any field changed value or became known.
func (s *State) Apply(f wire.Fields) bool {
	changed := false

	changed = mergeBool(&s.IsOn, f.IsOn) || changed
	changed = mergeFloat(&s.Brightness, f.Brightness) || changed
	changed = mergeFloat(&s.Volume, f.Volume) || changed
	changed = mergeString(&s.Sound, f.Sound) || changed
	changed = mergeBool(&s.NoColor, f.NoColor) || changed
	changed = mergeFloat(&s.Hue, f.Hue) || changed
	changed = mergeFloat(&s.Saturation, f.Saturation) || changed
	changed = mergeFloat(&s.Temperature, f.Temperature) || changed
	changed = mergeFloat(&s.Humidity, f.Humidity) || changed

	if f.Sounds != nil && !equalStrings(s.Sounds, f.Sounds) {
		s.Sounds = append([]string(nil), f.Sounds...)
		changed = true
	}

	return changed
}

// Clone returns an independent copy of the state. Pointer fields are
// re-allocated so mutations of the copy never reach the original; this is
// what keeps published snapshots immutable.
func (s *State) Clone() State {
	cpy := State{}

	cpy.IsOn = cloneBool(s.IsOn)
	cpy.Brightness = cloneFloat(s.Brightness)
	cpy.Volume = cloneFloat(s.Volume)
	cpy.Sound = cloneString(s.Sound)
	cpy.NoColor = cloneBool(s.NoColor)
	cpy.Hue = cloneFloat(s.Hue)
	cpy.Saturation = cloneFloat(s.Saturation)
	cpy.Temperature = cloneFloat(s.Temperature)
	cpy.Humidity = cloneFloat(s.Humidity)

	if s.Sounds != nil {
		cpy.Sounds = append([]string(nil), s.Sounds...)
	}

	return cpy
}

// Populated reports whether any attribute has ever been reported.
func (s *State) Populated() bool {
	return s.IsOn != nil || s.Brightness != nil || s.Volume != nil ||
		s.Sound != nil || s.NoColor != nil || s.Hue != nil ||
		s.Saturation != nil || s.Temperature != nil || s.Humidity != nil ||
		len(s.Sounds) > 0
}

// Color captures the last colour a device showed while colour output was
// enabled. It lets "turn the light back on" restore the previous colour
// instead of defaulting to white.
type Color struct {
	Hue        float64 `json:"hue"`
	Saturation float64 `json:"saturation"`
	Brightness float64 `json:"brightness"`
}

// RememberColor extracts a memorable colour from the state, if the state
// currently shows an active colour. Returns false when colour output is
// off, unknown, or incompletely reported.
func (s *State) RememberColor() (Color, bool) {
	if s.NoColor == nil || *s.NoColor {
		return Color{}, false
	}
	if s.Hue == nil || s.Saturation == nil || s.Brightness == nil {
		return Color{}, false
	}
	return Color{
		Hue:        *s.Hue,
		Saturation: *s.Saturation,
		Brightness: *s.Brightness,
	}, true
}

// Snapshot is the published view of every known device plus account-level
// conditions. Snapshots are value-copied on publication and safe to retain.
type Snapshot struct {
	// Devices is keyed by Device.ID.
	Devices map[string]DeviceSnapshot `json:"devices"`

	// MFARequired is true while sign-in is blocked waiting for a
	// verification code.
	MFARequired bool `json:"mfa_required"`

	// Taken records when this snapshot was assembled.
	Taken time.Time `json:"taken"`
}

// DeviceSnapshot is one device's entry in a snapshot.
type DeviceSnapshot struct {
	Device    Device     `json:"device"`
	State     State      `json:"state"`
	LastColor *Color     `json:"last_color,omitempty"`
	Connected bool       `json:"connected"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

func mergeBool(dst **bool, src *bool) bool {
	if src == nil {
		return false
	}
	if *dst != nil && **dst == *src {
		return false
	}
	v := *src
	*dst = &v
	return true
}

func mergeFloat(dst **float64, src *float64) bool {
	if src == nil {
		return false
	}
	if *dst != nil && **dst == *src {
		return false
	}
	v := *src
	*dst = &v
	return true
}

func mergeString(dst **string, src *string) bool {
	if src == nil {
		return false
	}
	if *dst != nil && **dst == *src {
		return false
	}
	v := *src
	*dst = &v
	return true
}

func cloneBool(p *bool) *bool {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
