package provision

import (
	"fmt"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

// NoRouteError reports that the namespace QEMU runs in has no default route,
// so the guest's user-mode network can not reach the package mirror.
type NoRouteError struct {
	NetNS string
}

func (e *NoRouteError) Error() string {
	where := "host network namespace"
	if e.NetNS != "" {
		where = "network namespace " + e.NetNS
	}
	return fmt.Sprintf("no default route in %s", where)
}

// CheckDefaultRoute looks for a default route in the named network
// namespace, or in the current one when name is empty.
func CheckDefaultRoute(name string) error {
	handle, err := openHandle(name)
	if err != nil {
		return err
	}
	defer handle.Close()

	routes, err := handle.RouteList(nil, netlink.FAMILY_ALL)
	if err != nil {
		return fmt.Errorf("list routes: %w", err)
	}
	if !hasDefaultRoute(routes) {
		return &NoRouteError{NetNS: name}
	}
	return nil
}

func openHandle(name string) (*netlink.Handle, error) {
	if name == "" {
		handle, err := netlink.NewHandle()
		if err != nil {
			return nil, fmt.Errorf("open netlink handle: %w", err)
		}
		return handle, nil
	}

	ns, err := netns.GetFromName(name)
	if err != nil {
		return nil, fmt.Errorf("open network namespace %s: %w", name, err)
	}
	defer ns.Close()

	handle, err := netlink.NewHandleAt(ns)
	if err != nil {
		return nil, fmt.Errorf("open netlink handle in %s: %w", name, err)
	}
	return handle, nil
}

func hasDefaultRoute(routes []netlink.Route) bool {
	for _, route := range routes {
		if route.Dst == nil {
			return true
		}
		if ones, _ := route.Dst.Mask.Size(); ones == 0 && route.Dst.IP.IsUnspecified() {
			return true
		}
	}
	return false
}
