package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"

	"cnote.dev/go/cnote/internal/config"
	"cnote.dev/go/cnote/internal/protocol"
)

var (
	// Set via ldflags
	commit    = "unknown"
	buildDate = "unknown"

	versionFull bool
	versionJSON bool
)

// SetBuildInfo sets build information from ldflags
func SetBuildInfo(c, d string) {
	commit = c
	buildDate = d
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionFull, "full", false, "include build details and the local device")
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "output as JSON")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long: `Print the app version peers see in device_info and the sync protocol
version this build speaks. Use --full for commit, build date, Go version and
the identity of this device.`,
	RunE: runVersion,
}

// versionInfo is what a peer needs to know to tell whether two builds can
// sync, plus build provenance
type versionInfo struct {
	AppVersion      string `json:"app_version"`
	ProtocolVersion string `json:"protocol_version"`
	ServiceType     string `json:"service_type"`
	Commit          string `json:"commit,omitempty"`
	Built           string `json:"built,omitempty"`
	GoVersion       string `json:"go_version,omitempty"`
	Platform        string `json:"platform,omitempty"`
	DeviceName      string `json:"device_name,omitempty"`
	DeviceID        string `json:"device_id,omitempty"`
}

func currentVersion(full bool, device *config.DeviceIdentity) versionInfo {
	v := versionInfo{
		AppVersion:      version,
		ProtocolVersion: protocol.ProtocolVersion,
		ServiceType:     config.Default().Sync.ServiceType,
	}
	if !full {
		return v
	}
	v.Commit = getCommit()
	v.Built = getBuildDate()
	v.GoVersion = runtime.Version()
	v.Platform = runtime.GOOS + "/" + runtime.GOARCH
	if device != nil {
		info := device.Info(version, nil)
		v.DeviceName = info.DeviceName
		v.DeviceID = info.DeviceID.String()
	}
	return v
}

func runVersion(cmd *cobra.Command, args []string) error {
	var device *config.DeviceIdentity
	if versionFull {
		// a missing device file just means sync has never been set up
		device, _ = config.LoadDevice()
	}
	return writeVersion(cmd.OutOrStdout(), currentVersion(versionFull, device), versionJSON)
}

func writeVersion(w io.Writer, v versionInfo, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	fmt.Fprintf(w, "cnote version %s (sync protocol v%s)\n", v.AppVersion, v.ProtocolVersion)
	if v.Commit == "" {
		return nil
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Commit:     %s\n", v.Commit)
	fmt.Fprintf(w, "  Built:      %s\n", v.Built)
	fmt.Fprintf(w, "  Go version: %s\n", v.GoVersion)
	fmt.Fprintf(w, "  OS/Arch:    %s\n", v.Platform)
	fmt.Fprintf(w, "  Service:    %s\n", v.ServiceType)
	if v.DeviceID != "" {
		fmt.Fprintf(w, "  Device:     %s (%s)\n", v.DeviceName, v.DeviceID)
	}
	return nil
}

func getCommit() string {
	if commit != "unknown" {
		return commit
	}
	if s := buildSetting("vcs.revision"); s != "" {
		if len(s) > 8 {
			return s[:8]
		}
		return s
	}
	return "unknown"
}

func getBuildDate() string {
	if buildDate != "unknown" {
		return buildDate
	}
	if s := buildSetting("vcs.time"); s != "" {
		return s
	}
	return "unknown"
}

func buildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}
