package manager

import (
	"fmt"

	dp "github.com/xmidt-org/devicepool"
)

// seedPlaceholders provisions MaxEmulators EmulatorSlot entries and
// MaxNullDevices NullSlot entries into the Availability Queue at init time.
// Serials follow the Android emulator console convention (consecutive even
// ports starting at 5554) for EmulatorSlots, and a simple ordinal for
// NullSlots.
func seedPlaceholders(m *Manager) {
	opts := m.options()
	for i := 0; i < opts.MaxEmulators; i++ {
		serial := dp.Serial(fmt.Sprintf("emulator-%d", 5554+i*2))
		m.queue.AddUnique(dp.Device{Serial: serial, Variant: dp.VariantEmulatorSlot})
	}
	for i := 0; i < opts.MaxNullDevices; i++ {
		serial := dp.Serial(fmt.Sprintf("null-device-%d", i))
		m.queue.AddUnique(dp.Device{Serial: serial, Variant: dp.VariantNullSlot})
	}
}
