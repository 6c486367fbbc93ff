//go:build !linux

package super

func totalRAM() uint64 {
	return fallbackRAM
}
