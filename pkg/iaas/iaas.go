// Package iaas abstracts machine, disk and network lifecycle over a
// pluggable virtualization backend. Backends register a connector under
// a URL scheme at startup; callers bracket every use between Connect and
// Close so backend handles never leak across tasks.
package iaas

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pgplane/pgplane/pkg/apperrors"
	"github.com/pgplane/pgplane/pkg/config"
)

// Default wait budgets for power transitions, in seconds. One state
// probe per second.
const (
	DefaultStartWait = 120
	DefaultStopWait  = 300
)

// Machine describes a virtualized compute unit. The core never holds a
// backend handle: machines are always re-resolved by name.
type Machine struct {
	// Name is the backend machine name, prefix included.
	Name string

	// Running reports the power state at the time of listing.
	Running bool
}

// IaaS is the infrastructure provider contract. Machine arguments are
// instance identifiers; backends derive the prefixed machine name.
type IaaS interface {
	// CreateMachine clones the template machine under the derived name
	// and attaches a data disk of dataSizeGB gigabytes, reusing an
	// existing machine or disk of the same name. A freshly cloned,
	// powered-off machine gets a guest customization pass first.
	CreateMachine(ctx context.Context, name string, dataSizeGB int) (*Machine, error)

	// StartMachine powers the machine on if needed and polls until it
	// runs, within waitSeconds. Exhausting the budget fails with a
	// Timeout.
	StartMachine(ctx context.Context, name string, waitSeconds int) error

	// StopMachine powers the machine off if needed and polls until it
	// stops, within waitSeconds.
	StopMachine(ctx context.Context, name string, waitSeconds int) error

	// DeleteMachine powers off, deletes backing disks and removes the
	// machine definition. Not-found is success.
	DeleteMachine(ctx context.Context, name string) error

	// Endpoint resolves the machine's network address.
	Endpoint(name string) string

	// GuessDataDeviceInGuest resolves the guest block device backed by
	// the data disk. Backend-specific and best effort.
	GuessDataDeviceInGuest(ctx context.Context, name string) (string, error)

	// ListMachines enumerates machines under the configured prefix,
	// template excluded.
	ListMachines(ctx context.Context) ([]Machine, error)

	// IsRunning probes the machine's power state.
	IsRunning(ctx context.Context, name string) (bool, error)

	// Close releases the backend connection.
	Close() error
}

// Connector opens a backend connection from its URL (scheme stripped)
// and the resolved settings.
type Connector func(ctx context.Context, url string, cfg *config.Settings) (IaaS, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Connector{}
)

// Register installs a backend connector under a scheme. Called from
// backend package init.
func Register(scheme string, connect Connector) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[scheme]; dup {
		panic("iaas: duplicate registration of scheme " + scheme)
	}
	registry[scheme] = connect
}

// Schemes lists registered backend schemes, sorted.
func Schemes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for s := range registry {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Connect opens the backend selected by rawurl. The URL format is
// "<scheme>+<backend url>"; the scheme alone is accepted for backends
// needing no URL. Unknown schemes fail with a configuration error.
func Connect(ctx context.Context, rawurl string, cfg *config.Settings) (IaaS, error) {
	scheme, rest, _ := strings.Cut(rawurl, "+")
	registryMu.RLock()
	connect, ok := registry[scheme]
	registryMu.RUnlock()
	if !ok {
		return nil, apperrors.NewKnownConfig(
			"unknown infrastructure backend %q (have %s)", scheme, strings.Join(Schemes(), ", "))
	}
	backend, err := connect(ctx, rest, cfg)
	if err != nil {
		return nil, err
	}
	return &retrying{backend: backend}, nil
}
