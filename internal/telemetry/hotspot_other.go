//go:build !linux

package telemetry

func threadCPUTimes(pid int32) (map[int]float64, error) {
	return nil, errUnsupportedPlatform
}
