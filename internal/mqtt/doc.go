// Package mqtt forwards MCP client events to an MQTT broker so other
// systems can follow tool calls and server health.
//
// Every event from the bus is published as JSON to
// <base>/events/<kind>. Server lifecycle events also update a retained
// <base>/servers/<name>/state topic (connected, disconnected or
// unhealthy). When a discovery prefix is configured each server gets a
// Home Assistant sensor on first sight.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a birth message ("online") to the
// availability topic and replays the retained server states. A will
// message ensures the availability topic transitions to "offline" on
// unexpected disconnects.
package mqtt
