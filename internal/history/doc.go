// Package history records device telemetry to InfluxDB.
//
// The Client wraps the InfluxDB v2 client with connection management
// and non-blocking batched writes. The Recorder turns published
// snapshots into measurement points: one "environment" point per device
// carrying temperature and humidity, and one "playback" point carrying
// power, brightness and volume.
//
// Key Design Decisions:
//
//  1. Writes are non-blocking. The poll loop must never stall on a slow
//     or absent InfluxDB server, so points are batched and flushed in
//     the background; async write failures surface through an error
//     callback that only logs.
//
//  2. The Recorder writes through a small Sink interface rather than
//     the concrete client, so it can be tested without a server.
//
// Like the MQTT bridge, the whole package is optional and only wired up
// when influxdb.enabled is set in the configuration.
package history
