//go:build linux

package blacklist

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
)

// nftTableName scopes every rule this package installs so it never
// interferes with unrelated firewall rules on the host.
const nftTableName = "turncore"

// KernelSync mirrors a List into a dedicated nftables table with one drop
// rule per IPv4 subnet, so a blacklisted peer is refused at the kernel
// even if a bug in the session layer would otherwise have let its traffic
// through. It is defense in depth, not a replacement for the in-process
// check in Matches/Blocked.
//
// Only IPv4 subnets are synced; IPv6 blacklist entries (Teredo, 6to4, the
// all-zero address) are enforced exclusively in-process, matching the
// scope of the teacher's own nftables use (internal/tunnel/nat.go), which
// is IPv4-only today.
type KernelSync struct {
	log   *slog.Logger
	table *nftables.Table
	conn  *nftables.Conn
}

// NewKernelSync creates a KernelSync. Apply must be called to actually
// program the kernel.
func NewKernelSync(logger *slog.Logger) *KernelSync {
	if logger == nil {
		logger = slog.Default()
	}
	return &KernelSync{log: logger.With("component", "blacklist.kernelsync")}
}

// Apply creates (or replaces) the turncore nftables table and installs one
// drop rule per IPv4 subnet in l. Requires CAP_NET_ADMIN.
func (k *KernelSync) Apply(l *List) error {
	c, err := nftables.New()
	if err != nil {
		return fmt.Errorf("blacklist: connecting to nftables: %w", err)
	}
	k.conn = c

	table := c.AddTable(&nftables.Table{
		Family: nftables.TableFamilyIPv4,
		Name:   nftTableName,
	})
	k.table = table

	chain := c.AddChain(&nftables.Chain{
		Name:     "input",
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookInput,
		Priority: nftables.ChainPriorityFilter,
	})

	for _, s := range l.Subnets() {
		v4 := s.Network.To4()
		if v4 == nil || len(s.Network) == net.IPv6len {
			continue // IPv6 entries stay in-process only.
		}
		mask := net.CIDRMask(s.Prefix, 32)

		c.AddRule(&nftables.Rule{
			Table: table,
			Chain: chain,
			Exprs: []expr.Any{
				&expr.Payload{
					DestRegister: 1,
					Base:         expr.PayloadBaseNetworkHeader,
					Offset:       12, // IPv4 source address offset
					Len:          4,
				},
				&expr.Bitwise{
					SourceRegister: 1,
					DestRegister:   1,
					Len:            4,
					Mask:           mask,
					Xor:            []byte{0, 0, 0, 0},
				},
				&expr.Cmp{
					Op:       expr.CmpOpEq,
					Register: 1,
					Data:     v4.Mask(mask),
				},
				&expr.Verdict{Kind: expr.VerdictDrop},
			},
		})
	}

	if err := c.Flush(); err != nil {
		return fmt.Errorf("blacklist: applying nftables rules: %w", err)
	}

	k.log.Info("nftables blacklist synced", "table", nftTableName, "subnets", len(l.Subnets()))
	return nil
}

// Cleanup removes the turncore nftables table and all its rules. Safe to
// call even if Apply was never called.
func (k *KernelSync) Cleanup() error {
	c := k.conn
	if c == nil {
		var err error
		c, err = nftables.New()
		if err != nil {
			return fmt.Errorf("blacklist: connecting to nftables: %w", err)
		}
	}

	if k.table != nil {
		c.DelTable(k.table)
	} else {
		c.DelTable(&nftables.Table{Family: nftables.TableFamilyIPv4, Name: nftTableName})
	}

	if err := c.Flush(); err != nil {
		k.log.Debug("nftables cleanup (table may not have existed)", "error", err)
		return nil
	}
	k.log.Info("nftables blacklist table removed")
	return nil
}
