// Package mqtt publishes device state to an MQTT broker and accepts
// commands back, in the shape Home Assistant expects.
//
// The package has two halves:
//
//   - Client wraps paho.mqtt.golang with connection management, a Last
//     Will and Testament on the bridge status topic, automatic
//     reconnection, and subscription restoration.
//   - Bridge maps snapshots onto per-device MQTT topics (light state,
//     sensors, availability) and translates inbound set-topic payloads
//     into device commands. It also announces entities via Home
//     Assistant MQTT discovery.
//
// Key Design Decisions:
//
//  1. The Bridge depends on small Broker and Controller interfaces
//     rather than concrete types, so it can be tested without a broker
//     or a live cloud session.
//
//  2. State topics are retained so Home Assistant sees current values
//     immediately after a restart. Command topics are never retained.
//
//  3. Discovery configs are republished whenever a device's sound
//     catalogue changes, because the select entity's options list is
//     baked into its config payload.
//
// The whole package is optional: it is only wired up when mqtt.enabled
// is set in the configuration.
package mqtt
