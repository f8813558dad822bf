package openocd

import (
	"sort"
	"strings"

	"go.bug.st/serial/enumerator"

	"github.com/buckleypaul/flashloop/internal/probe"
)

// knownProbe maps a USB VID:PID to a probe family and its OpenOCD adapter.
type knownProbe struct {
	name    string
	adapter string
}

// knownProbes lists debug probes that expose a CDC-ACM port, which is how
// they are discovered. The key is lowercase "vid:pid"; a pid of "*"
// matches any product from that vendor.
var knownProbes = map[string]knownProbe{
	"2e8a:000c": {"Raspberry Pi Debug Probe", "cmsis-dap"},
	"2e8a:0004": {"Picoprobe", "cmsis-dap"},
	"0d28:0204": {"DAPLink", "cmsis-dap"},
	"1fc9:0143": {"NXP MCU-Link", "cmsis-dap"},
	"0483:374b": {"ST-LINK/V2-1", "stlink"},
	"0483:374e": {"STLINK-V3", "stlink"},
	"0483:374f": {"STLINK-V3", "stlink"},
	"0483:3753": {"STLINK-V3", "stlink"},
	"1366:*":    {"SEGGER J-Link", "jlink"},
}

// PortLister returns the serial ports on the host.
type PortLister func() ([]*enumerator.PortDetails, error)

func lookupProbe(vid, pid string) (knownProbe, bool) {
	vid, pid = strings.ToLower(vid), strings.ToLower(pid)
	if kp, ok := knownProbes[vid+":"+pid]; ok {
		return kp, true
	}
	kp, ok := knownProbes[vid+":*"]
	return kp, ok
}

// enumerate turns a port list into probes, one per USB serial number,
// ordered by serial so indices are stable across calls.
func enumerate(lister PortLister) ([]probe.Info, error) {
	ports, err := lister()
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var probes []probe.Info
	for _, p := range ports {
		if !p.IsUSB {
			continue
		}
		kp, ok := lookupProbe(p.VID, p.PID)
		if !ok {
			continue
		}
		key := strings.ToLower(p.VID + ":" + p.PID + ":" + p.SerialNumber)
		if seen[key] {
			continue
		}
		seen[key] = true
		probes = append(probes, probe.Info{
			Identifier: kp.name,
			Serial:     p.SerialNumber,
			VID:        strings.ToLower(p.VID),
			PID:        strings.ToLower(p.PID),
			Port:       p.Name,
		})
	}

	sort.SliceStable(probes, func(i, j int) bool {
		return probes[i].Serial < probes[j].Serial
	})
	for i := range probes {
		probes[i].Index = i
	}
	return probes, nil
}

// adapterFor returns the OpenOCD adapter driver for a probe, falling back
// to def for probes not in the table.
func adapterFor(info probe.Info, def string) string {
	if kp, ok := lookupProbe(info.VID, info.PID); ok {
		return kp.adapter
	}
	return def
}
