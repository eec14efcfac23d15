// Package device provides the Device Registry for Purifier Core.
//
// The Device Registry is the catalogue of purifiers known to the service
// and the authoritative record of their last known state. Devices are not
// provisioned through an API: the first telemetry report from a purifier
// creates its record, and every later report or command acknowledgment
// refreshes it.
//
// # Key Types
//
//   - DeviceState: A purifier and its last reported runtime state
//   - Registry: Thread-safe cached access layered over Repository
//   - Repository: SQLite persistence (devices table)
//   - Ingestor: Telemetry consumer + offline sweeper
//
// # Usage
//
//	repo := device.NewSQLiteRepository(db)
//	registry := device.NewRegistry(repo)
//	registry.SetLogger(log)
//
//	if err := registry.RefreshCache(ctx); err != nil {
//	    return err
//	}
//
//	ingestor := device.NewIngestor(registry, influxClient, log)
//	client.Subscribe(mqtt.Topics{}.AllTelemetry(), 1, ingestor.HandleTelemetry)
//	go ingestor.RunOfflineSweeper(ctx, 30*time.Second, cfg.Devices.GetOfflineAfter())
//
// # Thread Safety
//
// The Registry is safe for concurrent use. All operations are protected by
// a read-write mutex. The Repository implementation must also be thread-safe.
package device
