package infra

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packline/brokerd/internal/domain"
)

func fakeInterfaces(stats psnet.InterfaceStatList, err error) *HostInterfaces {
	return &HostInterfaces{
		list: func(context.Context) (psnet.InterfaceStatList, error) { return stats, err },
	}
}

func TestHostInterfaces_FiltersDownAndNonIPv4(t *testing.T) {
	src := fakeInterfaces(psnet.InterfaceStatList{
		{
			Name:  "eth0",
			Flags: []string{"up", "broadcast", "multicast"},
			Addrs: psnet.InterfaceAddrList{{Addr: "192.168.1.20/24"}, {Addr: "fe80::1/64"}},
		},
		{
			Name:  "eth1",
			Flags: []string{"broadcast"},
			Addrs: psnet.InterfaceAddrList{{Addr: "10.1.1.1/8"}},
		},
		{
			Name:  "lo",
			Flags: []string{"up", "loopback"},
			Addrs: psnet.InterfaceAddrList{{Addr: "127.0.0.1/8"}},
		},
	}, nil)

	ifaces, err := src.Interfaces(context.Background())
	require.NoError(t, err)
	require.Len(t, ifaces, 2)

	assert.Equal(t, "eth0", ifaces[0].Name)
	assert.Equal(t, domain.KindEthernet, ifaces[0].Kind)
	assert.Equal(t, []string{"192.168.1.20"}, ifaces[0].Addrs)

	assert.Equal(t, domain.KindLoopback, ifaces[1].Kind)
	assert.Equal(t, []string{"127.0.0.1"}, ifaces[1].Addrs)
}

func TestHostInterfaces_ListError(t *testing.T) {
	_, err := fakeInterfaces(nil, errors.New("no netlink")).Interfaces(context.Background())
	assert.Error(t, err)
}

func TestHostInterfaces_PointToPointWithoutName(t *testing.T) {
	src := fakeInterfaces(psnet.InterfaceStatList{
		{Name: "x0", Flags: []string{"up", "pointtopoint"}, Addrs: psnet.InterfaceAddrList{{Addr: "10.8.0.2/32"}}},
	}, nil)

	ifaces, err := src.Interfaces(context.Background())
	require.NoError(t, err)
	require.Len(t, ifaces, 1)
	assert.Equal(t, domain.KindPPP, ifaces[0].Kind)
}

func TestClassifyByName(t *testing.T) {
	tests := []struct {
		name string
		want domain.InterfaceKind
	}{
		{"eth0", domain.KindEthernet},
		{"enp3s0", domain.KindEthernet},
		{"Ethernet 2", domain.KindEthernet},
		{"以太网", domain.KindEthernet},
		{"wlan0", domain.KindWireless},
		{"wlp2s0", domain.KindWireless},
		{"Wi-Fi", domain.KindWireless},
		{"无线网络连接", domain.KindWireless},
		{"ppp0", domain.KindPPP},
		{"Corp VPN", domain.KindPPP},
		{"wg0", domain.KindPPP},
		{"tun0", domain.KindTunnel},
		{"utun3", domain.KindTunnel},
		{"Teredo Tunneling Pseudo-Interface", domain.KindTunnel},
		{"本地隧道", domain.KindTunnel},
		{"lo", domain.KindLoopback},
		{"docker0", domain.KindUnknown},
		{"br-1234", domain.KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyByName(tt.name))
		})
	}
}

func TestSysfsKind(t *testing.T) {
	root := t.TempDir()
	mkLink := func(name, linkType string, extra ...string) {
		dir := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(dir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "type"), []byte(linkType+"\n"), 0644))
		for _, e := range extra {
			require.NoError(t, os.MkdirAll(filepath.Join(dir, e), 0755))
		}
	}
	mkLink("nic0", arphrdEther, "device")
	mkLink("radio0", arphrdEther, "device", "wireless")
	mkLink("br0", arphrdEther)
	mkLink("dial0", arphrdPPP)
	mkLink("vpn9", arphrdNone)

	h := &HostInterfaces{sysfsRoot: root}
	assert.Equal(t, domain.KindEthernet, h.sysfsKind("nic0"))
	assert.Equal(t, domain.KindWireless, h.sysfsKind("radio0"))
	assert.Equal(t, domain.KindUnknown, h.sysfsKind("br0"))
	assert.Equal(t, domain.KindPPP, h.sysfsKind("dial0"))
	assert.Equal(t, domain.KindTunnel, h.sysfsKind("vpn9"))
	assert.Equal(t, domain.KindUnknown, h.sysfsKind("missing"))

	// sysfs wins over a misleading name.
	assert.Equal(t, domain.KindWireless, h.classify("radio0", []string{"up"}))
}

func TestIPv4Of(t *testing.T) {
	assert.Equal(t, "10.0.0.5", ipv4Of("10.0.0.5/24"))
	assert.Equal(t, "10.0.0.5", ipv4Of("10.0.0.5"))
	assert.Empty(t, ipv4Of("fe80::1/64"))
	assert.Empty(t, ipv4Of("garbage"))
}
