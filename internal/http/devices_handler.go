// Package httpapi exposes a read-only JSON snapshot of the device pool over
// HTTP, for dashboards and other out-of-process observers.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	dp "github.com/xmidt-org/devicepool"
)

// DeviceInfo is one entry in the devices snapshot response.
type DeviceInfo struct {
	Serial  string `json:"serial"`
	Variant string `json:"variant"`
	Product string `json:"product,omitempty"`
	Build   string `json:"build,omitempty"`
	Battery int    `json:"battery,omitempty"`
}

// PoolLister is the narrow surface DevicesHandler needs from the manager;
// satisfied structurally by *manager.Manager.
type PoolLister interface {
	ListAvailable() []dp.Device
	ListAllocated() []dp.Device
	ListUnavailable() []dp.Device
}

// DevicesHandler serves the current pool snapshot as JSON, split into
// available, allocated, and unavailable sections.
func DevicesHandler(pool PoolLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		available := pool.ListAvailable()
		allocated := pool.ListAllocated()
		unavailable := pool.ListUnavailable()

		out := struct {
			Available   []DeviceInfo `json:"available"`
			Allocated   []DeviceInfo `json:"allocated"`
			Unavailable []DeviceInfo `json:"unavailable"`
			Count       int          `json:"count"`
			PolledAt    time.Time    `json:"polledAt"`
		}{PolledAt: time.Now()}

		out.Available = toDeviceInfo(available)
		out.Allocated = toDeviceInfo(allocated)
		out.Unavailable = toDeviceInfo(unavailable)
		out.Count = len(out.Available) + len(out.Allocated) + len(out.Unavailable)

		w.Header().Set("Content-Type", "application/json")
		writeCORS(w)
		json.NewEncoder(w).Encode(out)
	}
}

func toDeviceInfo(devices []dp.Device) []DeviceInfo {
	out := make([]DeviceInfo, 0, len(devices))
	for _, d := range devices {
		out = append(out, DeviceInfo{
			Serial:  string(d.Serial),
			Variant: d.Variant.String(),
			Product: d.Product,
			Build:   d.BuildID,
			Battery: d.Battery,
		})
	}
	return out
}

func writeCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}
