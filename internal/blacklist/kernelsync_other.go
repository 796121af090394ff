//go:build !linux

package blacklist

import (
	"fmt"
	"log/slog"
)

// KernelSync is the non-Linux stub: nftables kernel sync is Linux-only,
// so Apply always fails here rather than being silently skipped, letting
// a caller that enabled this feature in config notice on a platform that
// can't honor it. Cleanup is a no-op.
type KernelSync struct {
	log *slog.Logger
}

// NewKernelSync creates a KernelSync stub.
func NewKernelSync(logger *slog.Logger) *KernelSync {
	if logger == nil {
		logger = slog.Default()
	}
	return &KernelSync{log: logger.With("component", "blacklist.kernelsync")}
}

// Apply always fails: nftables kernel sync is not available on this
// platform.
func (k *KernelSync) Apply(l *List) error {
	return fmt.Errorf("blacklist: kernel sync is only supported on linux")
}

// Cleanup is a no-op: Apply can never have succeeded on this platform.
func (k *KernelSync) Cleanup() error {
	return nil
}
