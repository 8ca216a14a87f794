// Package config handles loading and validating graycomms configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with GRAYCOMMS_* environment variables
//   - Validation of required fields
//   - Default value handling, including the command queue defaults
//
// The devices section is a seed list. Entries are validated and upserted
// into the device registry at startup, not here.
//
// Security Considerations:
//   - Sensitive values (passwords, tokens) should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Site.Name)
package config
