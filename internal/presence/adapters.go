package presence

import (
	"context"
	"fmt"
	"slices"

	psnet "github.com/shirou/gopsutil/v3/net"
)

// SystemAdapters inspects the host's interfaces through gopsutil.
type SystemAdapters struct{}

// HasActiveAdapter reports whether a non-loopback interface is up and has
// at least one address assigned.
func (SystemAdapters) HasActiveAdapter(ctx context.Context) (bool, error) {
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return false, fmt.Errorf("list interfaces: %w", err)
	}
	return slices.ContainsFunc(ifaces, usable), nil
}

func usable(iface psnet.InterfaceStat) bool {
	return slices.Contains(iface.Flags, "up") &&
		!slices.Contains(iface.Flags, "loopback") &&
		len(iface.Addrs) > 0
}
