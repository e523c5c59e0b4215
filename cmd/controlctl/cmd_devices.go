package main

import (
	"fmt"

	"github.com/spf13/cobra"

	masterdata "telemetry-control/internal/masterdata/domain"
	masterpg "telemetry-control/internal/masterdata/infrastructure/postgres"
)

var (
	deviceID    string
	deviceGroup string
	deviceType  string
	deviceName  string

	devicesCmd = &cobra.Command{
		Use:   "devices",
		Short: "Manage the fleet registry used by the blast radius guard",
	}

	devicesAddCmd = &cobra.Command{
		Use:   "add",
		Short: "Register or update a device",
		RunE:  runDevicesAdd,
	}

	devicesCountCmd = &cobra.Command{
		Use:   "count",
		Short: "Show fleet size, or the member count of --group",
		RunE:  runDevicesCount,
	}
)

func init() {
	devicesAddCmd.Flags().StringVar(&deviceID, "id", "", "device id (command target)")
	devicesAddCmd.Flags().StringVar(&deviceGroup, "group", "", "group id")
	devicesAddCmd.Flags().StringVar(&deviceType, "type", "", "device type")
	devicesAddCmd.Flags().StringVar(&deviceName, "name", "", "display name")
	_ = devicesAddCmd.MarkFlagRequired("id")

	devicesCountCmd.Flags().StringVar(&deviceGroup, "group", "", "group id")
}

func runDevicesAdd(cmd *cobra.Command, args []string) error {
	device := &masterdata.Device{ID: deviceID, GroupID: deviceGroup, DeviceType: deviceType, Name: deviceName}
	if err := device.Validate(); err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()
	db, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := masterpg.NewDeviceRepository(db).Save(ctx, device); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "saved device=%s group=%s\n", device.ID, device.GroupID)
	return nil
}

func runDevicesCount(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()
	db, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	repo := masterpg.NewDeviceRepository(db)
	if deviceGroup == "" {
		count, err := repo.CountFleet(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "fleet=%d\n", count)
		return nil
	}
	count, err := repo.CountByGroup(ctx, deviceGroup)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "group=%s members=%d\n", deviceGroup, count)
	return nil
}
