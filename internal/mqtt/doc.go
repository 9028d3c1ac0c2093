// Package mqtt publishes the daemon's state to an MQTT broker so a
// dashboard or home automation system can watch the device.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a retained birth message ("online") to the
// availability topic; a will message moves the topic to "offline" on an
// unexpected disconnect. A periodic loop publishes a retained JSON
// snapshot to the state topic:
//
//	<prefix>/<instance>/availability   online | offline
//	<prefix>/<instance>/state          {"network": ..., "streaming": ...}
//
// The instance id is a UUIDv7 persisted in the data directory, so the
// topics survive restarts and reprovisioning.
package mqtt
