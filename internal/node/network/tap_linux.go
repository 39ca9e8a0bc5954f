//go:build linux

package network

import (
	"context"
	"fmt"
	"strings"

	"github.com/vishvananda/netlink"
)

// TapManager creates and deletes kernel TAP devices through netlink.
type TapManager struct{}

// NewTapManager constructs the netlink-backed manager.
func NewTapManager() Manager { return &TapManager{} }

// CreateTap creates the TAP device and brings it up. An existing device
// with the same name is torn down first.
func (m *TapManager) CreateTap(ctx context.Context, name string) error {
	if existing, err := netlink.LinkByName(name); err == nil {
		_ = netlink.LinkSetDown(existing)
		_ = netlink.LinkDel(existing)
	}

	la := netlink.NewLinkAttrs()
	la.Name = name
	tuntap := &netlink.Tuntap{
		LinkAttrs: la,
		Mode:      netlink.TUNTAP_MODE_TAP,
		Flags:     netlink.TUNTAP_DEFAULTS | netlink.TUNTAP_VNET_HDR,
	}

	if err := netlink.LinkAdd(tuntap); err != nil {
		return fmt.Errorf("create tap %s: %w", name, err)
	}
	if err := netlink.LinkSetUp(tuntap); err != nil {
		_ = netlink.LinkDel(tuntap)
		return fmt.Errorf("bring tap %s up: %w", name, err)
	}
	return nil
}

// DeleteTap removes the TAP device; a missing device counts as cleaned up.
func (m *TapManager) DeleteTap(ctx context.Context, name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("delete tap %s: %w", name, err)
	}
	return nil
}

// ListManagedTaps returns every interface carrying the qarax TAP prefix.
func (m *TapManager) ListManagedTaps(ctx context.Context) ([]string, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	var taps []string
	for _, link := range links {
		name := link.Attrs().Name
		if strings.HasPrefix(name, tapPrefix) {
			taps = append(taps, name)
		}
	}
	return taps, nil
}
