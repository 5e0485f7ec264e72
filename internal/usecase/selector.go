package usecase

import (
	"context"
	"net"
	"sort"

	"go.uber.org/zap"

	"github.com/packline/brokerd/internal/domain"
)

// Interface kind priorities. Higher binds first.
const (
	PriorityEthernet = 100
	PriorityWireless = 50
	PriorityPPP      = 20
	PriorityTunnel   = 10
	PriorityLoopback = 1
	PriorityOther    = 5
)

// SelectorConfig controls address selection.
type SelectorConfig struct {
	// BindAddress, when set, is returned without discovery.
	BindAddress string
	// ProbeEnabled requires candidates to answer a reachability probe.
	ProbeEnabled bool
}

// AdapterSelector ranks host interfaces and picks the bind address.
type AdapterSelector struct {
	source domain.InterfaceSource
	prober domain.Prober
	config SelectorConfig
	logger *zap.Logger
}

// NewAdapterSelector creates a selector. prober may be nil when probing is disabled.
func NewAdapterSelector(
	source domain.InterfaceSource,
	prober domain.Prober,
	config SelectorConfig,
	logger *zap.Logger,
) *AdapterSelector {
	if prober == nil {
		config.ProbeEnabled = false
	}
	return &AdapterSelector{
		source: source,
		prober: prober,
		config: config,
		logger: logger,
	}
}

// Priority scores an IPv4 address on an interface of the given kind.
// Zero means the address is never a candidate.
func Priority(kind domain.InterfaceKind, address string) int {
	ip := net.ParseIP(address)
	if ip == nil || ip.To4() == nil {
		return 0
	}
	if ip.IsLoopback() {
		return PriorityLoopback
	}
	if ip.IsLinkLocalUnicast() {
		return 0
	}

	switch kind {
	case domain.KindEthernet:
		return PriorityEthernet
	case domain.KindWireless:
		return PriorityWireless
	case domain.KindPPP:
		return PriorityPPP
	case domain.KindTunnel:
		return PriorityTunnel
	case domain.KindLoopback:
		return PriorityLoopback
	default:
		return PriorityOther
	}
}

// Candidates returns every usable address, best first. Equal priorities keep
// enumeration order. Enumeration failure yields an empty list.
func (s *AdapterSelector) Candidates(ctx context.Context) []domain.AdapterCandidate {
	ifaces, err := s.source.Interfaces(ctx)
	if err != nil {
		s.logger.Error("failed to enumerate network interfaces", zap.Error(err))
		return nil
	}

	var candidates []domain.AdapterCandidate
	for _, iface := range ifaces {
		if !iface.Up {
			continue
		}
		for _, addr := range iface.Addrs {
			p := Priority(iface.Kind, addr)
			if p <= 0 {
				continue
			}
			s.logger.Debug("candidate address",
				zap.String("interface", iface.Name),
				zap.String("kind", string(iface.Kind)),
				zap.String("address", addr),
				zap.Int("priority", p))
			candidates = append(candidates, domain.AdapterCandidate{
				Address:       addr,
				InterfaceName: iface.Name,
				Kind:          iface.Kind,
				Priority:      p,
			})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority > candidates[j].Priority
	})
	return candidates
}

// SelectAddress returns the highest-priority reachable address, falling back
// to loopback. Never fails.
func (s *AdapterSelector) SelectAddress(ctx context.Context) string {
	if s.config.BindAddress != "" {
		s.logger.Debug("using configured bind address", zap.String("address", s.config.BindAddress))
		return s.config.BindAddress
	}

	for _, c := range s.Candidates(ctx) {
		if ctx.Err() != nil {
			break
		}
		if !s.config.ProbeEnabled || s.prober.Reachable(ctx, c.Address) {
			s.logger.Info("selected bind address",
				zap.String("address", c.Address),
				zap.String("interface", c.InterfaceName),
				zap.Int("priority", c.Priority))
			return c.Address
		}
		s.logger.Warn("candidate address unreachable, skipping",
			zap.String("address", c.Address),
			zap.String("interface", c.InterfaceName))
	}

	s.logger.Warn("no usable network address, falling back to loopback",
		zap.String("address", domain.LoopbackAddress))
	return domain.LoopbackAddress
}

var _ domain.AddressSelector = (*AdapterSelector)(nil)
