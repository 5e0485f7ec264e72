package infra

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/packline/brokerd/internal/domain"
)

// ARPHRD values from /sys/class/net/<if>/type.
const (
	arphrdEther    = "1"
	arphrdPPP      = "512"
	arphrdTunnel   = "768"
	arphrdTunnel6  = "769"
	arphrdSit      = "776"
	arphrdLoopback = "772"
	arphrdNone     = "65534" // tun devices
)

// HostInterfaces enumerates interfaces with gopsutil and classifies them.
type HostInterfaces struct {
	list      func(ctx context.Context) (psnet.InterfaceStatList, error)
	sysfsRoot string // "" disables sysfs lookups
}

// NewHostInterfaces creates an InterfaceSource for the current host.
func NewHostInterfaces(goos string) *HostInterfaces {
	h := &HostInterfaces{list: psnet.InterfacesWithContext}
	if goos == "linux" {
		h.sysfsRoot = "/sys/class/net"
	}
	return h
}

// Interfaces returns every interface that is up, with bare IPv4 addresses.
func (h *HostInterfaces) Interfaces(ctx context.Context) ([]domain.NetworkInterface, error) {
	stats, err := h.list(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate interfaces: %w", err)
	}

	var result []domain.NetworkInterface
	for _, st := range stats {
		if !hasFlag(st.Flags, "up") {
			continue
		}
		iface := domain.NetworkInterface{
			Name: st.Name,
			Kind: h.classify(st.Name, st.Flags),
			Up:   true,
		}
		for _, a := range st.Addrs {
			if ip := ipv4Of(a.Addr); ip != "" {
				iface.Addrs = append(iface.Addrs, ip)
			}
		}
		result = append(result, iface)
	}
	return result, nil
}

func (h *HostInterfaces) classify(name string, flags []string) domain.InterfaceKind {
	if hasFlag(flags, "loopback") {
		return domain.KindLoopback
	}
	if kind := h.sysfsKind(name); kind != domain.KindUnknown {
		return kind
	}
	if kind := ClassifyByName(name); kind != domain.KindUnknown {
		return kind
	}
	if hasFlag(flags, "pointtopoint") {
		return domain.KindPPP
	}
	return domain.KindUnknown
}

// sysfsKind reads the link type from sysfs. Wireless devices report
// ARPHRD_ETHER and are told apart by their wireless/ directory.
func (h *HostInterfaces) sysfsKind(name string) domain.InterfaceKind {
	if h.sysfsRoot == "" {
		return domain.KindUnknown
	}
	dir := filepath.Join(h.sysfsRoot, name)
	data, err := os.ReadFile(filepath.Join(dir, "type"))
	if err != nil {
		return domain.KindUnknown
	}

	switch strings.TrimSpace(string(data)) {
	case arphrdEther:
		if _, err := os.Stat(filepath.Join(dir, "wireless")); err == nil {
			return domain.KindWireless
		}
		if _, err := os.Stat(filepath.Join(dir, "phy80211")); err == nil {
			return domain.KindWireless
		}
		if _, err := os.Stat(filepath.Join(dir, "device")); err == nil {
			return domain.KindEthernet
		}
		// Virtual ether links (bridges, veth) have no device; let the name decide.
		return domain.KindUnknown
	case arphrdPPP:
		return domain.KindPPP
	case arphrdTunnel, arphrdTunnel6, arphrdSit, arphrdNone:
		return domain.KindTunnel
	case arphrdLoopback:
		return domain.KindLoopback
	}
	return domain.KindUnknown
}

// ClassifyByName guesses the interface kind from its name or description.
// Covers Linux, macOS and Windows naming, including localized Windows names.
func ClassifyByName(name string) domain.InterfaceKind {
	n := strings.ToLower(name)

	switch {
	case containsAny(n, "wlan", "wi-fi", "wifi", "wireless", "无线", "802.11") || strings.HasPrefix(n, "wl"):
		return domain.KindWireless
	case containsAny(n, "ppp", "vpn") || strings.HasPrefix(n, "wg"):
		return domain.KindPPP
	case containsAny(n, "tunnel", "隧道", "teredo", "isatap") ||
		hasAnyPrefix(n, "tun", "tap", "utun", "gif", "stf", "ipip", "sit"):
		return domain.KindTunnel
	case containsAny(n, "ethernet", "以太网") || hasAnyPrefix(n, "eth", "en"):
		return domain.KindEthernet
	case n == "lo" || strings.HasPrefix(n, "lo0") || strings.Contains(n, "loopback"):
		return domain.KindLoopback
	}
	return domain.KindUnknown
}

// ipv4Of strips the prefix length from a CIDR address and drops non-IPv4.
func ipv4Of(addr string) string {
	host := addr
	if ip, _, err := net.ParseCIDR(addr); err == nil {
		host = ip.String()
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return ""
	}
	return ip.To4().String()
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, want) {
			return true
		}
	}
	return false
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

var _ domain.InterfaceSource = (*HostInterfaces)(nil)
