package device

import (
	"context"
	"fmt"
)

// SeedResult reports what Seed did.
type SeedResult struct {
	Upserted int
	Skipped  int
}

// Seed upserts devices declared in configuration into the registry.
//
// Devices that fail validation are skipped and logged rather than aborting
// startup, so one bad entry does not take every device down.
//
// Parameters:
//   - ctx: Context for cancellation
//   - registry: Target registry
//   - devices: Devices from the configuration file
//
// Returns:
//   - SeedResult: Counts of upserted and skipped devices
//   - error: If persistence fails
func Seed(ctx context.Context, registry *Registry, devices []Device) (SeedResult, error) {
	var res SeedResult
	seen := make(map[string]bool, len(devices))

	for i := range devices {
		d := devices[i].DeepCopy()
		if d.ID == "" {
			d.ID = GenerateID(d.Name)
		}
		if seen[d.ID] {
			registry.logger.Warn("duplicate device in seed list", "id", d.ID)
			res.Skipped++
			continue
		}
		seen[d.ID] = true

		if err := ValidateDevice(d); err != nil {
			registry.logger.Warn("skipping invalid device", "id", d.ID, "error", err)
			res.Skipped++
			continue
		}
		if err := registry.PutDevice(ctx, d); err != nil {
			return res, fmt.Errorf("seeding device %s: %w", d.ID, err)
		}
		res.Upserted++
	}

	registry.logger.Info("devices seeded", "upserted", res.Upserted, "skipped", res.Skipped)
	return res, nil
}
