// Package ports probes local TCP bind-ability and allocates non-conflicting
// host port forwards for tenant VMs.
package ports

import (
	"fmt"
	"net"
	"sort"

	"github.com/raveos/rave/internal/raverr"
)

// scanRange is how far above a preferred port the allocator scans before
// giving up on that logical name.
const scanRange = 100

// Available reports whether port can be bound on the loopback interface
// right now. The probe listener is closed immediately.
func Available(port int) bool {
	if port < 1 || port > 65535 {
		return false
	}
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// Allocate resolves a preferred map of logical name → port into a final map
// of bindable, pairwise-distinct ports. Each name gets its preferred port if
// free, otherwise the first free port scanning upward.
//
// Allocation is deterministic: names are processed in sorted order so that
// identical inputs under identical host state yield identical outputs.
func Allocate(preferred map[string]int) (map[string]int, error) {
	names := make([]string, 0, len(preferred))
	for name := range preferred {
		names = append(names, name)
	}
	sort.Strings(names)

	taken := make(map[int]bool, len(preferred))
	final := make(map[string]int, len(preferred))
	for _, name := range names {
		base := preferred[name]
		if base < 1 || base > 65535 {
			return nil, raverr.New(raverr.KindValidation, "preferred port %d for %q out of range", base, name)
		}
		port, err := findFree(base, taken)
		if err != nil {
			return nil, raverr.Wrap(raverr.KindResource, err, "allocate port for %q", name)
		}
		taken[port] = true
		final[name] = port
	}
	return final, nil
}

func findFree(base int, taken map[int]bool) (int, error) {
	for p := base; p <= base+scanRange && p <= 65535; p++ {
		if taken[p] {
			continue
		}
		if Available(p) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("no free port in [%d, %d]", base, base+scanRange)
}
