// Package mqtt provides the MQTT transport between the pool bridge and
// Gray Logic Core.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions, restored after every reconnect
//   - Last Will and Testament so Core sees a crashed bridge as offline
//
// # Architecture
//
//	Gray Logic Core ↔ MQTT Broker ↔ Pool Bridge ↔ Pool Controller (HTTP)
//
// Topic names and payloads are owned by the bridge package; this package
// only moves bytes.
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, &mqtt.Will{Topic: topic, Payload: lwt})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe("graylogic/command/pool/pool-main", 1,
//	    func(topic string, payload []byte) error {
//	        return handle(payload)
//	    })
package mqtt
