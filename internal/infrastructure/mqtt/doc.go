// Package mqtt provides MQTT client connectivity for graycomms.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//
// # Topics
//
// Every managed device gets three topics:
//
//	graylogic/status/device/{id}    retained {"connected":bool}
//	graylogic/command/device/{id}   commands in
//	graylogic/response/device/{id}  command results out
//
// Frames the device sends outside any command go to graylogic/event/device/{id}.
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllDeviceCommands(), 1,
//	    mqtt.DeviceCommands(func(id string, req Request) error {
//	        return handle(id, req)
//	    }, nil))
//
//	client.PublishJSON(mqtt.Topics{}.DeviceStatus("projector-1"), status, true)
package mqtt
