// Package mqtt connects CAAL to an MQTT broker so home automation can
// drive the assistant without HTTP.
//
// Messages on <prefix>/announce, <prefix>/wake and <prefix>/reload_tools
// run the matching gateway action; its JSON result is published to
// <prefix>/<action>/result. Every event on the bus is forwarded to
// <prefix>/events/<source>. CAAL also appears as a Home Assistant
// device with availability tracking and a few diagnostic sensors.
//
// The connection is managed by Eclipse Paho v2's [autopaho] package.
// On every (re-)connect the bridge re-subscribes to the trigger topics,
// publishes retained discovery payloads and an "online" birth message.
// A will message flips availability to "offline" on unexpected
// disconnects.
package mqtt
