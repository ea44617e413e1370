//go:build linux

package resource

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// drmRoot is the sysfs directory listing DRM cards.
var drmRoot = "/sys/class/drm"

var gpuVendors = map[string]string{
	"0x10de": "NVIDIA",
	"0x1002": "AMD",
	"0x8086": "Intel",
	"0x1af4": "Virtio",
	"0x15ad": "VMware",
	"0x1234": "QEMU",
}

func probeGPU() (string, bool) {
	cards, err := filepath.Glob(filepath.Join(drmRoot, "card[0-9]*"))
	if err != nil || len(cards) == 0 {
		return "", false
	}

	sort.Strings(cards)

	for _, card := range cards {
		name := filepath.Base(card)
		// connector entries look like card0-HDMI-A-1
		if strings.Contains(name, "-") {
			continue
		}

		class := readSysfs(filepath.Join(card, "device", "class"))
		if !isDisplayClass(class) {
			continue
		}

		vendor := readSysfs(filepath.Join(card, "device", "vendor"))
		device := readSysfs(filepath.Join(card, "device", "device"))

		vendorName, ok := gpuVendors[vendor]
		if !ok {
			vendorName = "Unknown vendor"
		}

		return fmt.Sprintf("%s display controller [%s:%s] (%s)",
			vendorName, strings.TrimPrefix(vendor, "0x"), strings.TrimPrefix(device, "0x"), name), true
	}

	return "", false
}

// isDisplayClass matches PCI base class 0x03 (VGA, XGA, 3D and other display controllers).
func isDisplayClass(class string) bool {
	return strings.HasPrefix(class, "0x03")
}

func readSysfs(path string) string {
	data, err := os.ReadFile(path) // #nosec G304 - path is built from the sysfs root
	if err != nil {
		return ""
	}

	return strings.ToLower(strings.TrimSpace(string(data)))
}
