// Package mqtt is the monitor's broker connection.
//
// Controllers publish under <namespace>/<room>/<puzzle>/<device>/... and
// register through sentient/system/register/{controller,device}. The
// monitor holds one wide subscription (default "#") and leaves routing by
// topic shape to the ingest dispatcher; Topics classifies registration
// traffic and builds outbound command topics.
//
// The client keeps its subscriptions across reconnects, recovers handler
// panics, counts inbound traffic and maintains a retained online/offline
// status on sentient/system/status (with a broker-side will for crashes).
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	err = client.Subscribe(cfg.MQTT.TopicFilter, 1, dispatcher.HandleMessage)
package mqtt
