package wire

import "fmt"

// Sound + Light schema field numbers.
//
// The schema is fixed and small, so the codec writes the wire format
// directly rather than generating code from a .proto file.
const (
	// Message
	fieldMessageRequest  = 1
	fieldMessageResponse = 2
	fieldMessageBackend  = 3

	// Request
	fieldRequestID          = 1
	fieldRequestSessionID   = 2
	fieldRequestSettings    = 3
	fieldRequestStatus      = 4
	fieldRequestGetSettings = 5

	// Response
	fieldResponseRequestID = 1
	fieldResponseSettings  = 3
	fieldResponseStatus    = 4

	// GetSettings
	fieldGetSettingsAll         = 1
	fieldGetSettingsTemperature = 2
	fieldGetSettingsHumidity    = 3
	fieldGetSettingsSavedSounds = 7

	// Settings
	fieldSettingsIsOn        = 1
	fieldSettingsBrightness  = 2
	fieldSettingsVolume      = 3
	fieldSettingsSound       = 4
	fieldSettingsColor       = 5
	fieldSettingsSoundList   = 6
	fieldSettingsTemperature = 7
	fieldSettingsHumidity    = 8

	// Sound
	fieldSoundNoSound = 1
	fieldSoundTrack   = 2

	// Color
	fieldColorNoColor    = 1
	fieldColorHue        = 2
	fieldColorSaturation = 3

	// SoundList
	fieldSoundListTracks = 1

	// Status
	fieldStatusTemperature = 1
	fieldStatusHumidity    = 2
)

// NoSoundSentinel is the track name representing intentional silence.
// It is distinct from an unset/unknown sound: selecting it encodes as
// {no_sound: true, track: ""} and decodes back to this exact string.
const NoSoundSentinel = "No sound"

// Kind identifies which body a decoded message carried.
type Kind int

// Message body kinds.
const (
	// KindResponse is a reply to a request this client sent.
	KindResponse Kind = iota

	// KindRequest is an unsolicited push from the device or another app,
	// signalling an externally-originated change.
	KindRequest

	// KindBackend is device-to-cloud traffic that is not addressed to this
	// client and carries nothing to process.
	KindBackend
)

// String returns a human-readable kind name.
func (k Kind) String() string {
	switch k {
	case KindResponse:
		return "response"
	case KindRequest:
		return "request"
	case KindBackend:
		return "backend"
	default:
		return "unknown"
	}
}

// Command holds the control parameters for an outbound settings write.
//
// Every field is optional; only fields that are set are encoded, and the
// device leaves omitted settings untouched. A partial command therefore
// never resets state it does not mention.
type Command struct {
	IsOn       *bool
	Brightness *float64
	Volume     *float64

	// Sound selects a track by name. The NoSoundSentinel value encodes as
	// an explicit "no sound" selection rather than a track.
	Sound *string

	Color *ColorCommand
}

// ColorCommand holds the colour portion of a command.
type ColorCommand struct {
	NoColor    bool
	Hue        float64
	Saturation float64

	// Brightness optionally accompanies a colour change. The device expects
	// it in the top-level settings brightness field, not inside the colour
	// sub-message, so encoding hoists it there (overriding Command.Brightness
	// if both are set).
	Brightness *float64
}

// Fields is the sparse set of device attributes found in one decoded
// message. Nil pointers mean "field absent": the device did not report the
// attribute, and any previously known value must be retained.
type Fields struct {
	IsOn       *bool
	Brightness *float64
	Volume     *float64
	Sound      *string
	NoColor    *bool
	Hue        *float64
	Saturation *float64

	Temperature *float64
	Humidity    *float64

	// Sounds is the device-reported track catalogue, prefixed with
	// NoSoundSentinel. Nil when the message carried no catalogue.
	Sounds []string
}

// Empty reports whether the decode found no attributes at all.
func (f Fields) Empty() bool {
	return f.IsOn == nil && f.Brightness == nil && f.Volume == nil &&
		f.Sound == nil && f.NoColor == nil && f.Hue == nil &&
		f.Saturation == nil && f.Temperature == nil && f.Humidity == nil &&
		f.Sounds == nil
}

// Update is the result of decoding one inbound frame.
type Update struct {
	Kind   Kind
	Fields Fields

	// MessageID is the id carried by a request body or the request_id echoed
	// by a response body. Present only when the frame carried one. Advancing
	// ids are treated as liveness evidence by the poll loop, but an advanced
	// id does not imply any particular field was populated.
	MessageID    uint64
	HasMessageID bool

	// ExternalChange is true when a request body carried a settings
	// sub-message: something other than this client changed the device.
	ExternalChange bool
}

// EncodeCommand encodes a control command as a complete outbound frame.
//
// Parameters:
//   - id: request id (single in-flight per device, reuse is fine)
//   - sessionID: opaque session identifier echoed to the device
//   - cmd: command fields; at least one must be set
//
// Returns:
//   - []byte: serialized Message{request: {id, session_id, settings}}
//   - error: ErrEmptyCommand if cmd has no fields
func EncodeCommand(id uint64, sessionID string, cmd Command) ([]byte, error) {
	var settings []byte

	if cmd.IsOn != nil {
		settings = appendBool(settings, fieldSettingsIsOn, *cmd.IsOn)
	}

	brightness := cmd.Brightness
	if cmd.Color != nil && cmd.Color.Brightness != nil {
		brightness = cmd.Color.Brightness
	}
	if brightness != nil {
		settings = appendFloat(settings, fieldSettingsBrightness, *brightness)
	}

	if cmd.Volume != nil {
		settings = appendFloat(settings, fieldSettingsVolume, *cmd.Volume)
	}

	if cmd.Sound != nil {
		var sound []byte
		if *cmd.Sound == NoSoundSentinel {
			sound = appendBool(sound, fieldSoundNoSound, true)
			sound = appendString(sound, fieldSoundTrack, "")
		} else {
			sound = appendBool(sound, fieldSoundNoSound, false)
			sound = appendString(sound, fieldSoundTrack, *cmd.Sound)
		}
		settings = appendMessage(settings, fieldSettingsSound, sound)
	}

	if cmd.Color != nil {
		var color []byte
		color = appendBool(color, fieldColorNoColor, cmd.Color.NoColor)
		color = appendFloat(color, fieldColorHue, cmd.Color.Hue)
		color = appendFloat(color, fieldColorSaturation, cmd.Color.Saturation)
		settings = appendMessage(settings, fieldSettingsColor, color)
	}

	if len(settings) == 0 {
		return nil, ErrEmptyCommand
	}

	var request []byte
	request = appendUint(request, fieldRequestID, id)
	request = appendString(request, fieldRequestSessionID, sessionID)
	request = appendMessage(request, fieldRequestSettings, settings)

	return appendMessage(nil, fieldMessageRequest, request), nil
}

// EncodeStateRequest encodes a full state/sensor request.
//
// The flag combination {all, temperature, humidity} is the only pattern the
// device firmware reliably answers with sensor data.
func EncodeStateRequest(id uint64, sessionID string) []byte {
	var get []byte
	get = appendBool(get, fieldGetSettingsAll, true)
	get = appendBool(get, fieldGetSettingsTemperature, true)
	get = appendBool(get, fieldGetSettingsHumidity, true)

	return encodeGetSettings(id, sessionID, get)
}

// EncodeSoundListRequest encodes a request for the saved-sound catalogue.
func EncodeSoundListRequest(id uint64, sessionID string) []byte {
	var get []byte
	get = appendBool(get, fieldGetSettingsSavedSounds, true)

	return encodeGetSettings(id, sessionID, get)
}

// encodeGetSettings wraps a GetSettings body into a complete frame.
func encodeGetSettings(id uint64, sessionID string, get []byte) []byte {
	var request []byte
	request = appendUint(request, fieldRequestID, id)
	request = appendString(request, fieldRequestSessionID, sessionID)
	request = appendMessage(request, fieldRequestGetSettings, get)

	return appendMessage(nil, fieldMessageRequest, request)
}

// DecodeMessage decodes one inbound binary frame.
//
// A message carries exactly one of a response, request, or backend body.
// Field-present semantics apply throughout: Fields pointers are set only
// for attributes the frame explicitly carried, so callers can merge without
// erasing known state.
//
// Returns:
//   - Update: kind, sparse fields, and message-id/external-change signals
//   - error: ErrInvalidMessage/ErrTruncated for malformed bytes
func DecodeMessage(data []byte) (Update, error) {
	if len(data) == 0 {
		return Update{}, fmt.Errorf("%w: empty frame", ErrInvalidMessage)
	}

	var (
		body     []byte
		kind     Kind
		seenBody bool
	)

	r := fieldReader{buf: data}
	for r.next() {
		switch r.field {
		case fieldMessageRequest:
			if b, ok := r.bytes(); ok {
				body, kind, seenBody = b, KindRequest, true
			}
		case fieldMessageResponse:
			if b, ok := r.bytes(); ok {
				body, kind, seenBody = b, KindResponse, true
			}
		case fieldMessageBackend:
			if b, ok := r.bytes(); ok {
				body, kind, seenBody = b, KindBackend, true
			}
		default:
			r.skip()
		}
	}
	if r.err != nil {
		return Update{}, r.err
	}
	if !seenBody {
		return Update{}, fmt.Errorf("%w: no request, response, or backend body", ErrInvalidMessage)
	}

	update := Update{Kind: kind}

	// Backend traffic carries nothing to process.
	if kind == KindBackend {
		return update, nil
	}

	if err := decodeBody(body, &update); err != nil {
		return Update{}, err
	}

	return update, nil
}

// decodeBody decodes a request or response body into the update.
// Request and Response share field numbers for settings and status, so one
// walk serves both; the id field differs only in name.
func decodeBody(body []byte, update *Update) error {
	var settingsSeen bool

	r := fieldReader{buf: body}
	for r.next() {
		switch r.field {
		case fieldRequestID: // == fieldResponseRequestID
			if v, ok := r.uint(); ok {
				update.MessageID = v
				update.HasMessageID = true
			}
		case fieldRequestSettings:
			if b, ok := r.bytes(); ok {
				settingsSeen = true
				if err := decodeSettings(b, &update.Fields); err != nil {
					return err
				}
			}
		case fieldRequestStatus:
			if b, ok := r.bytes(); ok {
				if err := decodeStatus(b, &update.Fields); err != nil {
					return err
				}
			}
		default:
			r.skip()
		}
	}
	if r.err != nil {
		return r.err
	}

	// Only a push that actually changed settings counts as an external
	// change; status-only pushes are periodic sensor chatter.
	if update.Kind == KindRequest && settingsSeen {
		update.ExternalChange = true
	}

	return nil
}

// decodeSettings decodes a settings sub-message into sparse fields.
func decodeSettings(body []byte, fields *Fields) error {
	r := fieldReader{buf: body}
	for r.next() {
		switch r.field {
		case fieldSettingsIsOn:
			if v, ok := r.bool(); ok {
				fields.IsOn = &v
			}
		case fieldSettingsBrightness:
			if v, ok := r.float(); ok {
				fields.Brightness = &v
			}
		case fieldSettingsVolume:
			if v, ok := r.float(); ok {
				fields.Volume = &v
			}
		case fieldSettingsSound:
			if b, ok := r.bytes(); ok {
				if err := decodeSound(b, fields); err != nil {
					return err
				}
			}
		case fieldSettingsColor:
			if b, ok := r.bytes(); ok {
				if err := decodeColor(b, fields); err != nil {
					return err
				}
			}
		case fieldSettingsSoundList:
			if b, ok := r.bytes(); ok {
				if err := decodeSoundList(b, fields); err != nil {
					return err
				}
			}
		case fieldSettingsTemperature:
			if v, ok := r.float(); ok {
				fields.Temperature = &v
			}
		case fieldSettingsHumidity:
			if v, ok := r.float(); ok {
				fields.Humidity = &v
			}
		default:
			r.skip()
		}
	}
	return r.err
}

// decodeSound maps the sound sub-message onto the sentinel convention:
// an explicit no_sound wins over any track name.
func decodeSound(body []byte, fields *Fields) error {
	var (
		noSound      bool
		noSoundSeen  bool
		track        string
		trackPresent bool
	)

	r := fieldReader{buf: body}
	for r.next() {
		switch r.field {
		case fieldSoundNoSound:
			if v, ok := r.bool(); ok {
				noSound = v
				noSoundSeen = true
			}
		case fieldSoundTrack:
			if v, ok := r.string(); ok {
				track = v
				trackPresent = true
			}
		default:
			r.skip()
		}
	}
	if r.err != nil {
		return r.err
	}

	switch {
	case noSoundSeen && noSound:
		sentinel := NoSoundSentinel
		fields.Sound = &sentinel
	case trackPresent:
		fields.Sound = &track
	}

	return nil
}

// decodeColor decodes the colour sub-message.
//
// When the device reports hue/saturation without an explicit no_color flag,
// colour output is inferred to be enabled: firmware omits no_color=false on
// some paths.
func decodeColor(body []byte, fields *Fields) error {
	r := fieldReader{buf: body}
	for r.next() {
		switch r.field {
		case fieldColorNoColor:
			if v, ok := r.bool(); ok {
				fields.NoColor = &v
			}
		case fieldColorHue:
			if v, ok := r.float(); ok {
				fields.Hue = &v
			}
		case fieldColorSaturation:
			if v, ok := r.float(); ok {
				fields.Saturation = &v
			}
		default:
			r.skip()
		}
	}
	if r.err != nil {
		return r.err
	}

	if fields.NoColor == nil && (fields.Hue != nil || fields.Saturation != nil) {
		inferred := false
		fields.NoColor = &inferred
	}

	return nil
}

// decodeSoundList decodes the track catalogue, prefixing the silence
// sentinel so consumers always see it as a selectable option.
func decodeSoundList(body []byte, fields *Fields) error {
	var tracks []string

	r := fieldReader{buf: body}
	for r.next() {
		switch r.field {
		case fieldSoundListTracks:
			if v, ok := r.string(); ok {
				tracks = append(tracks, v)
			}
		default:
			r.skip()
		}
	}
	if r.err != nil {
		return r.err
	}

	if len(tracks) > 0 {
		fields.Sounds = append([]string{NoSoundSentinel}, tracks...)
	}

	return nil
}

// decodeStatus decodes the temperature/humidity status sub-message.
func decodeStatus(body []byte, fields *Fields) error {
	r := fieldReader{buf: body}
	for r.next() {
		switch r.field {
		case fieldStatusTemperature:
			if v, ok := r.float(); ok {
				fields.Temperature = &v
			}
		case fieldStatusHumidity:
			if v, ok := r.float(); ok {
				fields.Humidity = &v
			}
		default:
			r.skip()
		}
	}
	return r.err
}
