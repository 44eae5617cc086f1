// Package ingest is the single entry point for MQTT traffic.
//
// A Dispatcher classifies each message by topic. Registration handshake
// topics go to the registration aggregator; everything else goes to the
// device registry and the state cache. The dispatcher also fans registry
// events out to the alert manager, the heartbeat writer, time-series
// recorders and the realtime broadcaster.
package ingest
