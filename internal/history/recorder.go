package history

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/com6056/nanit-sound-light/internal/device"
	"github.com/com6056/nanit-sound-light/internal/infrastructure/logging"
)

// Measurement names.
const (
	// measurementEnvironment carries the nursery sensor readings.
	measurementEnvironment = "environment"

	// measurementPlayback carries the light and sound output state.
	measurementPlayback = "playback"
)

// Sink receives measurement points. *Client satisfies it.
type Sink interface {
	WritePoint(point *write.Point)
}

// Recorder turns published snapshots into InfluxDB measurement points.
// Register HandleSnapshot as a coordinator snapshot listener.
type Recorder struct {
	log  *logging.Logger
	sink Sink
}

// NewRecorder creates a recorder writing through the given sink.
func NewRecorder(log *logging.Logger, sink Sink) *Recorder {
	return &Recorder{
		log:  log.With("component", "history"),
		sink: sink,
	}
}

// HandleSnapshot records one point per measurement per device.
//
// Points are written every cycle, not only on change, so the series
// stays continuous even when the nursery is stable. Devices that have
// never reported a value for a measurement are skipped.
func (r *Recorder) HandleSnapshot(snap device.Snapshot) {
	now := time.Now()

	for id, ds := range snap.Devices {
		if !ds.Connected {
			continue
		}

		tags := map[string]string{
			"device_id": id,
			"name":      ds.Device.DisplayName,
		}

		if env := environmentFields(ds.State); len(env) > 0 {
			r.sink.WritePoint(write.NewPoint(measurementEnvironment, tags, env, now))
		}
		if playback := playbackFields(ds.State); len(playback) > 0 {
			r.sink.WritePoint(write.NewPoint(measurementPlayback, tags, playback, now))
		}
	}
}

func environmentFields(st device.State) map[string]interface{} {
	fields := make(map[string]interface{})
	if st.Temperature != nil {
		fields["temperature_c"] = *st.Temperature
	}
	if st.Humidity != nil {
		fields["humidity_pct"] = *st.Humidity
	}
	return fields
}

func playbackFields(st device.State) map[string]interface{} {
	fields := make(map[string]interface{})
	if st.IsOn != nil {
		fields["is_on"] = *st.IsOn
	}
	if st.Brightness != nil {
		fields["brightness"] = *st.Brightness
	}
	if st.Volume != nil {
		fields["volume"] = *st.Volume
	}
	return fields
}
