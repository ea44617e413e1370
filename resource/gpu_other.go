//go:build !linux

package resource

func probeGPU() (string, bool) {
	return "", false
}
