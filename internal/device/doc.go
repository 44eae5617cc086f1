// Package device provides the live Device Registry for the device monitor.
//
// The registry holds one Record per physical controller-attached device
// seen on the MQTT bus. Records are created on first contact, enriched by
// every subsequent message and aged out of the online set by a periodic
// health sweep. Nothing here touches the database; persistence is the job
// of the heartbeat and registration packages, which subscribe to events.
//
// # Architecture
//
//	 MQTT message
//	      │
//	      ▼
//	┌─────────────┐   ┌──────────────┐   ┌──────────────────────────┐
//	│ TopicParser │──▶│ RateLimiter  │──▶│ Registry                 │
//	│ (topic.go)  │   │ (50 msg/s)   │   │ • uniqueId / alias lookup│
//	└─────────────┘   └──────────────┘   │ • liveness + health      │
//	                                     │ • metrics / sensors      │
//	                                     │ • health sweep           │
//	                                     └────────────┬─────────────┘
//	                                                  │ Event
//	                                                  ▼
//	                               device-online / device-offline / device-updated
//
// # Identity
//
// A topic such as "paragon/clockwork/pilotlight/relay1" yields the canonical
// key "clockwork/pilotlight/relay1". When a payload carries a uniqueId (or
// uid), the record moves under the lower-cased uniqueId and the canonical key
// becomes an alias. Later topic-only messages resolve through the alias, so
// a device that changes topic never produces a second record.
//
// # Health
//
// Every accepted message that is not an explicit offline report adds
// HealthRecovery (capped at MaxHealth). A failed command subtracts
// HealthCommandPenalty. A device silent for longer than the heartbeat timeout
// is marked offline once per outage and loses HealthOfflinePenalty.
//
// # Usage
//
//	reg := device.NewRegistry(device.Options{HeartbeatTimeout: 5 * time.Second})
//	reg.SetLogger(log)
//	reg.OnEvent(func(ev device.Event) { hub.BroadcastDevice(ev) })
//
//	go reg.RunHealthSweep(ctx, 2*time.Second)
//
//	err := reg.HandleMessage(device.Message{Topic: t, Payload: p, ReceivedAt: time.Now()})
//	if errors.Is(err, device.ErrRateLimited) {
//	    // dropped
//	}
//
// # Thread Safety
//
// All Registry and RateLimiter methods are safe for concurrent use. Event
// handlers are invoked after internal locks are released.
package device
