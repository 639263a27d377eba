package audio

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/gen2brain/malgo"
)

// Device describes one capture endpoint reported by the platform.
type Device struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Default bool   `json:"default"`
}

// ListDevices returns every capture device miniaudio can see.
func ListDevices() ([]Device, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to init capture context: %w", err)
	}
	defer func() {
		_ = ctx.Uninit()
		ctx.Free()
	}()

	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to list capture devices: %w", err)
	}
	return devicesFromInfos(infos), nil
}

func devicesFromInfos(infos []malgo.DeviceInfo) []Device {
	devices := make([]Device, 0, len(infos))
	for _, info := range infos {
		devices = append(devices, Device{
			ID:      info.ID.String(),
			Name:    strings.TrimSpace(info.Name()),
			Default: info.IsDefault != 0,
		})
	}
	return devices
}

// IsDefaultSource reports whether source selects the system default input.
func IsDefaultSource(source string) bool {
	source = strings.TrimSpace(source)
	return source == "" || strings.EqualFold(source, DefaultSource)
}

// ResolveDevice finds the index of the device matching source by ID or exact
// name. It returns -1 for the default source. A name shared by several
// devices is ambiguous and rejected; those devices must be selected by ID.
func ResolveDevice(source string, devices []Device) (int, error) {
	if IsDefaultSource(source) {
		return -1, nil
	}
	source = strings.TrimSpace(source)

	for i, d := range devices {
		if d.ID == source {
			return i, nil
		}
	}

	duplicates := findDeviceDuplicatesInList(source, devices)
	switch len(duplicates) {
	case 0:
		return -1, fmt.Errorf("device not found: %s", source)
	case 1:
		return duplicates[0], nil
	default:
		ids := make([]string, len(duplicates))
		for i, idx := range duplicates {
			ids[i] = devices[idx].ID
		}
		slog.Debug("Ambiguous capture device name", "source", source, "ids", ids)
		return -1, fmt.Errorf("duplicate devices detected for '%s': %v. Please select the device by id", source, ids)
	}
}

// findDeviceDuplicatesInList returns the indices of devices named exactly name.
func findDeviceDuplicatesInList(name string, devices []Device) []int {
	var duplicates []int
	for i, d := range devices {
		if d.Name == name {
			duplicates = append(duplicates, i)
		}
	}
	return duplicates
}
