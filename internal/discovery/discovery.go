// Package discovery enumerates network interfaces on the local host and
// inside Linux network namespaces, the raw material the traffic controller
// (§4.5) uses to build its endpoint→target map.
package discovery

import (
	"net"
	"sort"
	"strings"

	"github.com/lydian-project/lydian/internal/netns"
)

// Interface is one addressed interface, on the host or inside a namespace.
type Interface struct {
	Name    string
	Address string // IP, no mask
}

// HostInterfaces lists every addressed interface in the default (current)
// network namespace.
func HostInterfaces() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	return addressedInterfaces(ifaces)
}

// NamespaceInterfaces lists every addressed interface inside every
// namespace found under dir ("" for /var/run/netns), keyed by namespace
// name. Namespaces that fail to enter (permission, already removed) are
// skipped rather than failing the whole scan.
func NamespaceInterfaces(dir string) (map[string][]Interface, error) {
	names, err := netns.List(dir)
	if err != nil {
		return nil, err
	}

	result := make(map[string][]Interface, len(names))
	for _, name := range names {
		release, err := netns.Enter(dir, name)
		if err != nil {
			continue
		}
		ifaces, err := net.Interfaces()
		release()
		if err != nil {
			continue
		}
		addressed, err := addressedInterfaces(ifaces)
		if err != nil || len(addressed) == 0 {
			continue
		}
		result[name] = addressed
	}
	return result, nil
}

func addressedInterfaces(ifaces []net.Interface) ([]Interface, error) {
	var out []Interface
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ip := addrFromNet(addr)
			if ip == "" {
				continue
			}
			out = append(out, Interface{Name: iface.Name, Address: ip})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func addrFromNet(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.IPNet:
		return a.IP.String()
	case *net.IPAddr:
		return a.IP.String()
	default:
		return ""
	}
}

// GetInterface returns the first addressed entry for name among the host's
// interfaces.
func GetInterface(name string) (Interface, bool, error) {
	ifaces, err := HostInterfaces()
	if err != nil {
		return Interface{}, false, err
	}
	for _, iface := range ifaces {
		if iface.Name == name {
			return iface, true, nil
		}
	}
	return Interface{}, false, nil
}

// InterfaceIPsMap returns name -> first address for every host interface.
func InterfaceIPsMap() (map[string]string, error) {
	ifaces, err := HostInterfaces()
	if err != nil {
		return nil, err
	}
	m := make(map[string]string, len(ifaces))
	for _, iface := range ifaces {
		if _, exists := m[iface.Name]; !exists {
			m[iface.Name] = iface.Address
		}
	}
	return m, nil
}

// ListNamespaces returns the names of every namespace found under dir.
func ListNamespaces(dir string) ([]string, error) {
	return netns.List(dir)
}

// NamespaceIPs returns the addresses of every namespace interface whose
// name contains one of prefixes, the Go analogue of the original's
// get_namespaces_ips (NAMESPACE_INTERFACE_NAME_PREFIXES substring filter).
func NamespaceIPs(dir string, prefixes []string) ([]string, error) {
	nsIfaces, err := NamespaceInterfaces(dir)
	if err != nil {
		return nil, err
	}
	var ips []string
	for _, ifaces := range nsIfaces {
		for _, iface := range ifaces {
			if containsAny(iface.Name, prefixes) {
				ips = append(ips, iface.Address)
			}
		}
	}
	sort.Strings(ips)
	return ips, nil
}

func containsAny(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.Contains(name, p) {
			return true
		}
	}
	return false
}
