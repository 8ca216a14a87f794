// Package device stores the settings of every device the service talks to.
//
// A Device bundles what the manager needs to bring a link up: the
// transport (TCP, UDP, multicast, SSH or serial, persistent or
// make/break), the driver that judges replies, the device's named command
// templates and any per-device overrides of the queue defaults.
//
// # Architecture
//
//	┌──────────────────┐    ┌──────────────────┐    ┌──────────────────┐
//	│     Registry     │───▶│    Repository    │    │    Validation    │
//	│  (registry.go)   │    │ (repository.go)  │    │ (validation.go)  │
//	│ • in-memory cache│    │ • SQLite queries │    │ • transport      │
//	│ • thread safety  │    │ • JSON columns   │    │ • driver build   │
//	└──────────────────┘    └──────────────────┘    └──────────────────┘
//	         ▲
//	         │ Seed (seed.go) upserts devices from config.yaml at startup
//
// # Usage
//
//	repo := device.NewSQLiteRepository(db.DB)
//	registry := device.NewRegistry(repo)
//	registry.SetLogger(log)
//	if err := registry.RefreshCache(ctx); err != nil {
//	    return err
//	}
//	if _, err := device.Seed(ctx, registry, cfg.Devices); err != nil {
//	    return err
//	}
//
// # Thread Safety
//
// Registry is safe for concurrent use. Devices it returns are deep copies.
package device
