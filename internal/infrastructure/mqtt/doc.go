// Package mqtt provides MQTT client connectivity for Purifier Core.
//
// This package manages:
//   - Connection to Mosquitto broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// Purifier Core uses MQTT as the message bus connecting the service to
// purifier devices. The broker (Mosquitto) decouples the control plane
// from the device firmware.
//
//	Purifier Core ↔ MQTT Broker ↔ Purifier Devices
//
// Each device listens on purifier/{device}/command and reports back over
// purifier/{device}/ack and purifier/{device}/telemetry.
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//   - Message payloads are not encrypted beyond TLS transport
//
// # Performance Characteristics
//
//   - Connection: <1 second to local broker
//   - Publish latency: <10ms for QoS 1 to local broker
//   - Reconnect: Exponential backoff 1s-60s with jitter
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Subscribe to every device ack
//	err = client.Subscribe(mqtt.Topics{}.AllAcks(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	// Publish command
//	topic := mqtt.Topics{}.DeviceCommand("purifier-hallway")
//	client.Publish(topic, []byte(`{"action":"setSpeed","speed":3}`), 1, false)
package mqtt
