package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-comms/internal/device"
	"github.com/nerrad567/gray-logic-comms/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-comms/internal/infrastructure/database"
)

func newDevicesCommand() *cobra.Command {
	var showCommands bool

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List the devices stored in the database",
		Long: "List the devices stored in the database.\n\n" +
			"The database is opened read-only, so this is safe to run next to a live service.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(getConfigPath())
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			devices, err := loadDevices(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			writeDeviceTable(out, devices)
			if showCommands {
				for i := range devices {
					writeCommandTable(out, &devices[i])
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showCommands, "commands", false, "also list each device's command templates")
	return cmd
}

func loadDevices(ctx context.Context, cfg config.DatabaseConfig) ([]device.Device, error) {
	db, err := database.Open(database.Config{
		Path:        cfg.Path,
		BusyTimeout: cfg.BusyTimeout,
		ReadOnly:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	defer db.Close() //nolint:errcheck // read-only handle

	devices, err := device.NewSQLiteRepository(db.DB).List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	return devices, nil
}

func writeDeviceTable(w io.Writer, devices []device.Device) {
	tw := tablewriter.NewWriter(w)
	tw.SetAutoWrapText(false)
	tw.SetHeader([]string{"ID", "Name", "Enabled", "Driver", "Transport", "Address", "Commands"})

	for i := range devices {
		d := &devices[i]
		driverName := d.Driver.Name
		if driverName == "" {
			driverName = "raw"
		}
		tw.Append([]string{
			d.ID,
			d.Name,
			strconv.FormatBool(d.Enabled),
			driverName,
			transportLabel(d.Transport),
			address(d.Transport),
			strconv.Itoa(len(d.Commands)),
		})
	}
	tw.Render()
}

func writeCommandTable(w io.Writer, d *device.Device) {
	if len(d.Commands) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%s\n", d.ID)

	tw := tablewriter.NewWriter(w)
	tw.SetAutoWrapText(false)
	tw.SetHeader([]string{"Name", "Prototype", "Response", "Timeout"})
	for _, c := range d.Commands {
		timeout := "-"
		if c.Timeout > 0 {
			timeout = c.Timeout.String()
		}
		tw.Append([]string{c.Name, strconv.Quote(c.Prototype), c.Response, timeout})
	}
	tw.Render()
}

func transportLabel(t device.Transport) string {
	if t.Mode == "" || t.Kind != device.TransportTCP {
		return string(t.Kind)
	}
	return string(t.Kind) + "/" + string(t.Mode)
}

func address(t device.Transport) string {
	switch t.Kind {
	case device.TransportSerial:
		if t.BaudRate > 0 {
			return fmt.Sprintf("%s@%d", t.SerialPort, t.BaudRate)
		}
		return t.SerialPort
	case device.TransportMulticast:
		return t.Group
	case device.TransportSSH:
		if t.User != "" {
			return fmt.Sprintf("%s@%s:%d", t.User, t.Host, t.Port)
		}
	}
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}
