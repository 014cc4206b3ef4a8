// Package libvirt drives a local hypervisor through the virsh,
// virt-clone and virt-sysprep command line tools. Machines are cloned
// from a template domain, data disks live in a storage pool as qcow2
// volumes and guest addresses resolve through DNS.
package libvirt

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/pgplane/pgplane/pkg/config"
	"github.com/pgplane/pgplane/pkg/iaas"
)

const (
	stateRunning = "running"
	stateShutOff = "shut off"
)

func init() {
	iaas.Register("libvirt", connect)
}

// LibVirt manages domains over a libvirt connection URI such as
// qemu:///system.
type LibVirt struct {
	uri string
	cfg *config.Settings

	// run executes a local command. Swappable in tests.
	run runner
}

type runner func(ctx context.Context, name string, args ...string) (string, error)

func connect(ctx context.Context, url string, cfg *config.Settings) (iaas.IaaS, error) {
	if url == "" {
		url = "qemu:///system"
	}
	v := &LibVirt{uri: url, cfg: cfg, run: localCmd}
	// Probe the connection once so a bad URI fails at connect time.
	if _, err := v.virsh(ctx, "uri"); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	return v, nil
}

func (v *LibVirt) Close() error {
	// Connections are per-invocation of the CLI tools.
	return nil
}

func (v *LibVirt) virsh(ctx context.Context, args ...string) (string, error) {
	return v.run(ctx, "virsh", append([]string{"--connect", v.uri, "--quiet"}, args...)...)
}

// CreateMachine clones the template domain, reusing an existing domain
// of the same name, then creates and attaches the data volume.
func (v *LibVirt) CreateMachine(ctx context.Context, name string, dataSizeGB int) (*iaas.Machine, error) {
	full := v.cfg.MachineName(name)

	state, err := v.domState(ctx, full)
	if isNotFound(err) {
		log.Debug().Str("machine", full).Msg("Allocating machine.")
		_, err = v.run(ctx, "virt-clone",
			"--connect", v.uri,
			"--original", v.cfg.OriginName(),
			"--name", full,
			"--auto-clone",
		)
		if err != nil {
			return nil, err
		}
		state, err = v.domState(ctx, full)
	} else if err == nil {
		log.Debug().Str("machine", full).Msg("Reusing machine.")
	}
	if err != nil {
		return nil, err
	}

	if state == stateShutOff {
		if err := v.sysprep(ctx, full); err != nil {
			return nil, err
		}
	}

	diskPath, err := v.ensureDataDisk(ctx, full, dataSizeGB)
	if err != nil {
		return nil, err
	}
	if err := v.attachDataDisk(ctx, full, diskPath); err != nil {
		return nil, err
	}

	return &iaas.Machine{Name: full, Running: state == stateRunning}, nil
}

// sysprep customizes a freshly cloned, powered-off guest: hostname and,
// when configured, deploy key injection for root.
func (v *LibVirt) sysprep(ctx context.Context, full string) error {
	args := []string{
		"--connect", v.uri,
		"--domain", full,
		"--hostname", full,
		"--selinux-relabel",
	}
	if v.cfg.DeployKey != "" {
		args = append(args, "--ssh-inject", "root:string:"+v.cfg.DeployKey)
	}
	log.Debug().Str("machine", full).Msg("Preparing machine.")
	_, err := v.run(ctx, "virt-sysprep", args...)
	return err
}

func (v *LibVirt) dataDiskName(full string) string {
	return full + "-data.qcow2"
}

// ensureDataDisk creates the data volume in the storage pool, reusing a
// same-named volume if present, and returns its path.
func (v *LibVirt) ensureDataDisk(ctx context.Context, full string, sizeGB int) (string, error) {
	vol := v.dataDiskName(full)

	path, err := v.virsh(ctx, "vol-path", "--pool", v.cfg.StoragePool, vol)
	if err == nil {
		log.Debug().Str("disk", vol).Msg("Reusing disk.")
		return strings.TrimSpace(path), nil
	}
	if !isNotFound(err) {
		return "", err
	}

	log.Debug().Str("disk", vol).Msg("Creating disk.")
	_, err = v.virsh(ctx, "vol-create-as",
		v.cfg.StoragePool, vol, fmt.Sprintf("%dG", sizeGB),
		"--format", "qcow2",
		"--allocation", "256K",
	)
	if err != nil {
		return "", err
	}
	path, err = v.virsh(ctx, "vol-path", "--pool", v.cfg.StoragePool, vol)
	return strings.TrimSpace(path), err
}

// attachDataDisk attaches the volume on the SCSI bus, picking the next
// free sdX target. No-op when the domain XML already references it.
func (v *LibVirt) attachDataDisk(ctx context.Context, full, diskPath string) error {
	xml, err := v.virsh(ctx, "dumpxml", full)
	if err != nil {
		return err
	}
	if strings.Contains(xml, diskPath) {
		log.Debug().Str("disk", diskPath).Str("machine", full).Msg("Disk already attached.")
		return nil
	}

	dom, err := parseDomainXML(xml)
	if err != nil {
		return fmt.Errorf("failed to parse domain XML of %s: %w", full, err)
	}
	target, err := nextSCSITarget(dom)
	if err != nil {
		return err
	}

	log.Debug().Str("disk", diskPath).Str("target", target).Msg("Attaching disk.")
	_, err = v.virsh(ctx, "attach-disk", full, diskPath, target,
		"--targetbus", "scsi",
		"--subdriver", "qcow2",
		"--persistent",
	)
	return err
}

func (v *LibVirt) StartMachine(ctx context.Context, name string, waitSeconds int) error {
	full := v.cfg.MachineName(name)
	state, err := v.domState(ctx, full)
	if err != nil {
		return err
	}
	if state == stateRunning {
		log.Debug().Str("machine", full).Msg("Already running.")
		return nil
	}
	log.Debug().Str("machine", full).Msg("Starting machine.")
	if _, err := v.virsh(ctx, "start", full); err != nil {
		return err
	}
	return iaas.WaitFor("powering on "+full, waitSeconds, func() (bool, error) {
		state, err := v.domState(ctx, full)
		return state == stateRunning, err
	})
}

func (v *LibVirt) StopMachine(ctx context.Context, name string, waitSeconds int) error {
	full := v.cfg.MachineName(name)
	state, err := v.domState(ctx, full)
	if err != nil {
		return err
	}
	if state == stateShutOff {
		log.Debug().Str("machine", full).Msg("Already stopped.")
		return nil
	}
	log.Debug().Str("machine", full).Msg("Shutting down machine.")
	if _, err := v.virsh(ctx, "shutdown", full); err != nil {
		return err
	}
	return iaas.WaitFor("powering off "+full, waitSeconds, func() (bool, error) {
		state, err := v.domState(ctx, full)
		return state == stateShutOff, err
	})
}

// DeleteMachine removes the domain and its storage. Not-found is
// success.
func (v *LibVirt) DeleteMachine(ctx context.Context, name string) error {
	full := v.cfg.MachineName(name)
	state, err := v.domState(ctx, full)
	if isNotFound(err) {
		log.Debug().Str("machine", full).Msg("Machine already gone.")
		return nil
	}
	if err != nil {
		return err
	}
	if state == stateRunning {
		log.Debug().Str("machine", full).Msg("Powering off machine.")
		if _, err := v.virsh(ctx, "destroy", full); err != nil {
			return err
		}
	}
	log.Debug().Str("machine", full).Msg("Deleting machine.")
	_, err = v.virsh(ctx, "undefine", full, "--remove-all-storage")
	return err
}

func (v *LibVirt) Endpoint(name string) string {
	return v.cfg.MachineName(name) + v.cfg.DNSDomain
}

// GuessDataDeviceInGuest renders the stable by-path device file of the
// data disk from the domain's PCI and SCSI topology.
func (v *LibVirt) GuessDataDeviceInGuest(ctx context.Context, name string) (string, error) {
	full := v.cfg.MachineName(name)
	xml, err := v.virsh(ctx, "dumpxml", full)
	if err != nil {
		return "", err
	}
	dom, err := parseDomainXML(xml)
	if err != nil {
		return "", fmt.Errorf("failed to parse domain XML of %s: %w", full, err)
	}

	path, err := v.virsh(ctx, "vol-path", "--pool", v.cfg.StoragePool, v.dataDiskName(full))
	if err != nil {
		return "", err
	}
	return guestDevicePath(dom, strings.TrimSpace(path))
}

func (v *LibVirt) ListMachines(ctx context.Context) ([]iaas.Machine, error) {
	all, err := v.virsh(ctx, "list", "--all", "--name")
	if err != nil {
		return nil, err
	}
	active, err := v.virsh(ctx, "list", "--name")
	if err != nil {
		return nil, err
	}
	running := map[string]bool{}
	for _, name := range strings.Fields(active) {
		running[name] = true
	}

	var machines []iaas.Machine
	for _, name := range strings.Fields(all) {
		if !strings.HasPrefix(name, v.cfg.MachinePrefix) || name == v.cfg.OriginName() {
			continue
		}
		machines = append(machines, iaas.Machine{Name: name, Running: running[name]})
	}
	return machines, nil
}

func (v *LibVirt) IsRunning(ctx context.Context, name string) (bool, error) {
	state, err := v.domState(ctx, v.cfg.MachineName(name))
	if err != nil {
		return false, err
	}
	return state == stateRunning, nil
}

func (v *LibVirt) domState(ctx context.Context, full string) (string, error) {
	out, err := v.virsh(ctx, "domstate", full)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
