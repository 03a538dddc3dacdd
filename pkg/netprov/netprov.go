package netprov

import (
	"fmt"

	"github.com/cuemby/noded/pkg/log"
	"github.com/cuemby/noded/pkg/types"
)

// Suffixes of the three networks provisioned under a configured prefix.
// The general network is internal (no route out) and every container
// joins it so runs can reach each other; the internal/external split then
// additionally gates a bundle's own outbound access per its
// NetworkEgress request.
const (
	generalSuffix  = "_general"
	externalSuffix = "_ext"
	internalSuffix = "_int"
)

// NetworkProvisioner owns the lifecycle of the node's fixed bridge
// networks.
type NetworkProvisioner struct {
	runtime types.ContainerRuntime
	prefix  string

	General  string
	External string
	Internal string
}

// New creates a NetworkProvisioner that will name its networks
// "<prefix>_general", "<prefix>_ext" and "<prefix>_int".
func New(runtime types.ContainerRuntime, prefix string) *NetworkProvisioner {
	return &NetworkProvisioner{
		runtime:  runtime,
		prefix:   prefix,
		General:  prefix + generalSuffix,
		External: prefix + externalSuffix,
		Internal: prefix + internalSuffix,
	}
}

// EnsureNetworks creates the three networks if they do not already exist.
// Safe to call on every daemon start.
func (p *NetworkProvisioner) EnsureNetworks() error {
	for _, n := range []struct {
		name     string
		internal bool
	}{
		{p.General, true},
		{p.External, false},
		{p.Internal, true},
	} {
		log.WithComponent("netprov").Debug().Str("network", n.name).Msg("ensuring network")
		if err := p.runtime.NetworkCreate(n.name, n.internal); err != nil {
			return fmt.Errorf("failed to ensure network %s: %w", n.name, err)
		}
	}
	return nil
}

// NetworkFor returns the network a run's container should additionally
// join based on whether the bundle requested outbound network access.
func (p *NetworkProvisioner) NetworkFor(egress bool) string {
	if egress {
		return p.External
	}
	return p.Internal
}

// TeardownNetworks removes all three networks. Called during shutdown
// once every run's container has been removed; a network that still has
// attached containers will fail to delete and the error is surfaced
// rather than silently dropped, since it usually means kill_all did not
// finish draining runs.
func (p *NetworkProvisioner) TeardownNetworks() error {
	var firstErr error
	for _, name := range []string{p.General, p.External, p.Internal} {
		if err := p.runtime.NetworkRemove(name); err != nil {
			log.WithComponent("netprov").Error().Err(err).Str("network", name).Msg("failed to remove network")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
