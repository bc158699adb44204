package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"cnote.dev/go/cnote/internal/audit"
	"cnote.dev/go/cnote/internal/pairing"
)

var deviceQR bool

func init() {
	rootCmd.AddCommand(deviceCmd)
	deviceCmd.AddCommand(deviceShowCmd)
	deviceCmd.AddCommand(deviceRenameCmd)

	deviceShowCmd.Flags().BoolVar(&deviceQR, "qr", false, "also print the pairing code as a QR code")
}

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Device identity commands",
	Long: `Show or rename this device.

The device ID is generated on first use and identifies this device to
its peers. The name is what other devices display.`,
}

var deviceShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show this device's identity and pairing code",
	RunE:  runDeviceShow,
}

func runDeviceShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	info, err := a.deviceInfo(ctx)
	if err != nil {
		return err
	}
	code, err := pairing.Encode(info.Hint())
	if err != nil {
		return err
	}

	fmt.Printf("Name:       %s\n", info.DeviceName)
	fmt.Printf("Device ID:  %s\n", info.DeviceID)
	fmt.Printf("Created:    %s\n", a.device.CreatedAt.Local().Format("2006-01-02 15:04"))
	if info.LastSyncTime != nil {
		fmt.Printf("Last sync:  %s\n", info.LastSyncTime.Local().Format("2006-01-02 15:04"))
	} else {
		fmt.Printf("Last sync:  never\n")
	}
	fmt.Printf("Pairing:    %s\n", code)

	if deviceQR {
		qr, err := pairing.QR(code)
		if err != nil {
			return fmt.Errorf("generating QR code: %w", err)
		}
		fmt.Println()
		fmt.Print(qr)
	}
	return nil
}

var deviceRenameCmd = &cobra.Command{
	Use:   "rename <name>",
	Short: "Change the name other devices see",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDeviceRename,
}

func runDeviceRename(cmd *cobra.Command, args []string) error {
	name := strings.TrimSpace(strings.Join(args, " "))
	if name == "" {
		return fmt.Errorf("name must not be empty")
	}

	a, err := openApp(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer a.Close()

	old := a.device.DeviceName
	a.device.DeviceName = name
	if err := a.device.SaveTo(a.paths.DeviceFile); err != nil {
		return err
	}
	a.audit.Log(audit.Event{
		Action:  audit.ActionDeviceRenamed,
		Message: "Renamed device",
		Details: map[string]any{"from": old, "to": name},
		Success: true,
	})
	fmt.Printf("Renamed %q to %q\n", old, name)
	return nil
}
