// Package vsphere drives an enterprise vSphere cluster through the
// govmomi SDK. Machines are full or linked clones of a template VM,
// customized through guest OS customization specs, with the data disk
// declared in the clone specification itself.
package vsphere

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"path"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/task"
	"github.com/vmware/govmomi/view"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/soap"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/pgplane/pgplane/pkg/apperrors"
	"github.com/pgplane/pgplane/pkg/config"
	"github.com/pgplane/pgplane/pkg/iaas"
	"github.com/pgplane/pgplane/pkg/remote"
)

func init() {
	iaas.Register("vsphere", connect)
}

var errNotFound = errors.New("machine not found")

// VSphere manages virtual machines through a vCenter endpoint. The
// template VM, datastore and resource pool are resolved by inventory
// path from the settings.
type VSphere struct {
	client *govmomi.Client
	cfg    *config.Settings
}

func connect(ctx context.Context, rawurl string, cfg *config.Settings) (iaas.IaaS, error) {
	u, err := soap.ParseURL(rawurl)
	if err != nil {
		return nil, apperrors.NewKnownConfig("bad vsphere URL: %s", err)
	}
	insecure := u.Query().Get("no_verify") == "1"
	u.RawQuery = ""

	log.Debug().Str("host", u.Host).Msg("Connecting to vSphere.")
	client, err := govmomi.NewClient(ctx, u, insecure)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", u.Host, maybeTransient(err))
	}
	return &VSphere{client: client, cfg: cfg}, nil
}

func (v *VSphere) Close() error {
	log.Debug().Msg("Disconnecting from vSphere.")
	return v.client.Logout(context.Background())
}

// CreateMachine clones the template VM with the data disk declared in
// the clone spec, reusing an existing VM of the same name. The clone
// powers on for guest customization to apply.
func (v *VSphere) CreateMachine(ctx context.Context, name string, dataSizeGB int) (*iaas.Machine, error) {
	full := v.cfg.MachineName(name)

	origin, err := v.findMachine(ctx, v.originBase())
	if err != nil {
		if errors.Is(err, errNotFound) {
			return nil, apperrors.NewKnownConfig("template machine %s not found", v.cfg.OriginName())
		}
		return nil, err
	}

	ds, err := v.findDatastore(ctx)
	if err != nil {
		return nil, err
	}
	pool, err := v.findResourcePool(ctx)
	if err != nil {
		return nil, err
	}

	spec, err := v.buildCloneSpec(ctx, origin, ds, pool, full, dataSizeGB)
	if err != nil {
		return nil, err
	}

	var moOrigin mo.VirtualMachine
	pc := property.DefaultCollector(v.client.Client)
	if err := pc.RetrieveOne(ctx, origin.Reference(), []string{"parent", "snapshot"}, &moOrigin); err != nil {
		return nil, maybeTransient(err)
	}
	if moOrigin.Parent == nil {
		return nil, fmt.Errorf("template machine %s has no parent folder", v.cfg.OriginName())
	}
	if moOrigin.Snapshot != nil && len(moOrigin.Snapshot.RootSnapshotList) > 0 {
		tree := moOrigin.Snapshot.RootSnapshotList[0]
		log.Debug().Str("snapshot", tree.Name).Msg("Using linked clone.")
		spec.Snapshot = &tree.Snapshot
		spec.Location.DiskMoveType = string(types.VirtualMachineRelocateDiskMoveOptionsCreateNewChildDiskBacking)
	}

	folder := object.NewFolder(v.client.Client, *moOrigin.Parent)
	log.Debug().Str("machine", full).Msg("Cloning template.")
	tsk, err := origin.Clone(ctx, folder, full, spec)
	if err != nil {
		return nil, maybeTransient(err)
	}
	if _, err := tsk.WaitForResult(ctx, nil); err != nil {
		if isDuplicateName(err) {
			log.Debug().Str("machine", full).Msg("Reusing machine.")
			return v.existingMachine(ctx, full)
		}
		return nil, maybeTransient(err)
	}

	return &iaas.Machine{Name: full, Running: true}, nil
}

func (v *VSphere) existingMachine(ctx context.Context, full string) (*iaas.Machine, error) {
	vm, err := v.findMachine(ctx, full)
	if err != nil {
		return nil, err
	}
	state, err := vm.PowerState(ctx)
	if err != nil {
		return nil, maybeTransient(err)
	}
	return &iaas.Machine{Name: full, Running: state == types.VirtualMachinePowerStatePoweredOn}, nil
}

func (v *VSphere) buildCloneSpec(ctx context.Context, origin *object.VirtualMachine, ds *object.Datastore, pool *object.ResourcePool, full string, dataSizeGB int) (types.VirtualMachineCloneSpec, error) {
	var spec types.VirtualMachineCloneSpec

	diskSpec, err := v.buildDataDiskSpec(ctx, origin, ds, full, dataSizeGB)
	if err != nil {
		return spec, err
	}

	spec = types.VirtualMachineCloneSpec{
		PowerOn: true,
		Config: &types.VirtualMachineConfigSpec{
			DeviceChange: []types.BaseVirtualDeviceConfigSpec{diskSpec},
		},
		Customization: buildCustomizationSpec(),
		Location: types.VirtualMachineRelocateSpec{
			Datastore:    types.NewReference(ds.Reference()),
			Pool:         types.NewReference(pool.Reference()),
			DeviceChange: []types.BaseVirtualDeviceConfigSpec{buildNicSpec(v.cfg.Network)},
		},
	}
	return spec, nil
}

// buildDataDiskSpec declares the data disk after the template's last
// disk, on the template's first SCSI controller.
func (v *VSphere) buildDataDiskSpec(ctx context.Context, origin *object.VirtualMachine, ds *object.Datastore, full string, sizeGB int) (types.BaseVirtualDeviceConfigSpec, error) {
	devices, err := origin.Device(ctx)
	if err != nil {
		return nil, maybeTransient(err)
	}

	controllers := devices.SelectByType((*types.VirtualSCSIController)(nil))
	if len(controllers) == 0 {
		return nil, fmt.Errorf("template machine %s has no SCSI controller", origin.Name())
	}
	ctlKey := controllers[0].(types.BaseVirtualController).GetVirtualController().Key

	disks := devices.SelectByType((*types.VirtualDisk)(nil))
	if len(disks) == 0 {
		return nil, fmt.Errorf("template machine %s has no disk", origin.Name())
	}
	last := disks[len(disks)-1].(*types.VirtualDisk)
	unit := int32(1)
	if last.UnitNumber != nil {
		unit = *last.UnitNumber + 1
	}

	disk := &types.VirtualDisk{
		VirtualDevice: types.VirtualDevice{
			Key:           last.Key + 1,
			ControllerKey: ctlKey,
			UnitNumber:    types.NewInt32(unit),
			Backing: &types.VirtualDiskFlatVer2BackingInfo{
				VirtualDeviceFileBackingInfo: types.VirtualDeviceFileBackingInfo{
					FileName: fmt.Sprintf("[%s] %s/%s-data.vmdk", ds.Name(), full, full),
				},
				DiskMode:        string(types.VirtualDiskModePersistent),
				ThinProvisioned: types.NewBool(false),
			},
		},
		CapacityInKB: int64(sizeGB) * 1024 * 1024,
	}
	return &types.VirtualDeviceConfigSpec{
		Operation:     types.VirtualDeviceConfigSpecOperationAdd,
		FileOperation: types.VirtualDeviceConfigSpecFileOperationCreate,
		Device:        disk,
	}, nil
}

// buildCustomizationSpec is the minimal spec that makes vCenter set the
// guest hostname from the VM name.
func buildCustomizationSpec() *types.CustomizationSpec {
	return &types.CustomizationSpec{
		GlobalIPSettings: types.CustomizationGlobalIPSettings{},
		NicSettingMap: []types.CustomizationAdapterMapping{{
			Adapter: types.CustomizationIPSettings{
				Ip: &types.CustomizationDhcpIpGenerator{},
			},
		}},
		Identity: &types.CustomizationLinuxPrep{
			HwClockUTC: types.NewBool(true),
			TimeZone:   "UTC",
			HostName:   &types.CustomizationVirtualMachineName{},
		},
	}
}

func buildNicSpec(network string) types.BaseVirtualDeviceConfigSpec {
	nic := &types.VirtualVmxnet3{}
	nic.AddressType = string(types.VirtualEthernetCardMacTypeAssigned)
	nic.Backing = &types.VirtualEthernetCardNetworkBackingInfo{
		VirtualDeviceDeviceBackingInfo: types.VirtualDeviceDeviceBackingInfo{
			DeviceName:    network,
			UseAutoDetect: types.NewBool(false),
		},
	}
	nic.Connectable = &types.VirtualDeviceConnectInfo{StartConnected: true}
	return &types.VirtualDeviceConfigSpec{
		Operation: types.VirtualDeviceConfigSpecOperationAdd,
		Device:    nic,
	}
}

func (v *VSphere) StartMachine(ctx context.Context, name string, waitSeconds int) error {
	full := v.cfg.MachineName(name)
	vm, err := v.findMachine(ctx, full)
	if err != nil {
		return err
	}
	state, err := vm.PowerState(ctx)
	if err != nil {
		return maybeTransient(err)
	}
	if state == types.VirtualMachinePowerStatePoweredOn {
		log.Debug().Str("machine", full).Msg("Already running.")
		return nil
	}
	log.Debug().Str("machine", full).Msg("Powering on machine.")
	tsk, err := vm.PowerOn(ctx)
	if err != nil {
		return maybeTransient(err)
	}
	if err := tsk.Wait(ctx); err != nil {
		return maybeTransient(err)
	}
	return iaas.WaitFor("powering on "+full, waitSeconds, func() (bool, error) {
		state, err := vm.PowerState(ctx)
		return state == types.VirtualMachinePowerStatePoweredOn, maybeTransient(err)
	})
}

// StopMachine shuts the guest down, first over SSH, then through guest
// tools. SSH tearing the connection down mid-shutdown counts as
// success.
func (v *VSphere) StopMachine(ctx context.Context, name string, waitSeconds int) error {
	full := v.cfg.MachineName(name)
	vm, err := v.findMachine(ctx, full)
	if err != nil {
		return err
	}
	state, err := vm.PowerState(ctx)
	if err != nil {
		return maybeTransient(err)
	}
	if state == types.VirtualMachinePowerStatePoweredOff {
		log.Debug().Str("machine", full).Msg("Already stopped.")
		return nil
	}

	shut := false
	running, err := vm.IsToolsRunning(ctx)
	if err != nil {
		return maybeTransient(err)
	}
	if !running {
		// Tools can lag a fresh boot. SSH may be up before them.
		sh := remote.NewShell("root", v.Endpoint(name))
		log.Debug().Str("machine", full).Msg("Shutting down over SSH.")
		_, err := sh.Run(ctx, "shutdown", "-h", "now")
		if err == nil || remote.IsConnectionClosedByRemote(err) {
			shut = true
		} else {
			log.Debug().Err(err).Msg("SSH shutdown failed.")
		}
	}
	if !shut {
		log.Debug().Str("machine", full).Msg("Shutting down through guest tools.")
		if err := vm.ShutdownGuest(ctx); err != nil {
			return maybeTransient(err)
		}
	}

	return iaas.WaitFor("powering off "+full, waitSeconds, func() (bool, error) {
		state, err := vm.PowerState(ctx)
		return state == types.VirtualMachinePowerStatePoweredOff, maybeTransient(err)
	})
}

// DeleteMachine destroys the VM and its disks. Not-found is success.
func (v *VSphere) DeleteMachine(ctx context.Context, name string) error {
	full := v.cfg.MachineName(name)
	vm, err := v.findMachine(ctx, full)
	if errors.Is(err, errNotFound) {
		log.Debug().Str("machine", full).Msg("Machine already gone.")
		return nil
	}
	if err != nil {
		return err
	}

	state, err := vm.PowerState(ctx)
	if err != nil {
		return maybeTransient(err)
	}
	if state == types.VirtualMachinePowerStatePoweredOn {
		log.Debug().Str("machine", full).Msg("Powering off machine.")
		tsk, err := vm.PowerOff(ctx)
		if err != nil {
			return maybeTransient(err)
		}
		if err := tsk.Wait(ctx); err != nil {
			return maybeTransient(err)
		}
	}

	log.Debug().Str("machine", full).Msg("Destroying machine.")
	tsk, err := vm.Destroy(ctx)
	if err != nil {
		return maybeTransient(err)
	}
	return maybeTransient(tsk.Wait(ctx))
}

func (v *VSphere) Endpoint(name string) string {
	return v.cfg.MachineName(name) + v.cfg.DNSDomain
}

// GuessDataDeviceInGuest assumes the flat convention of a single SCSI
// bus: the data disk declared at unit 1 surfaces as the second disk.
// Deriving the exact guest device from the VM spec is not practical.
func (v *VSphere) GuessDataDeviceInGuest(ctx context.Context, name string) (string, error) {
	return "/dev/sdb", nil
}

func (v *VSphere) ListMachines(ctx context.Context) ([]iaas.Machine, error) {
	vms, err := v.retrieveByName(ctx, "")
	if err != nil {
		return nil, err
	}
	origin := v.originBase()
	var machines []iaas.Machine
	for _, vm := range vms {
		if !strings.HasPrefix(vm.Name, v.cfg.MachinePrefix) || vm.Name == origin {
			continue
		}
		machines = append(machines, iaas.Machine{
			Name:    vm.Name,
			Running: vm.Runtime.PowerState == types.VirtualMachinePowerStatePoweredOn,
		})
	}
	return machines, nil
}

func (v *VSphere) IsRunning(ctx context.Context, name string) (bool, error) {
	vm, err := v.findMachine(ctx, v.cfg.MachineName(name))
	if err != nil {
		return false, err
	}
	state, err := vm.PowerState(ctx)
	if err != nil {
		return false, maybeTransient(err)
	}
	return state == types.VirtualMachinePowerStatePoweredOn, nil
}

// originBase is the template VM's bare name, MachineOrigin may carry a
// full inventory path.
func (v *VSphere) originBase() string {
	return path.Base(v.cfg.OriginName())
}

// findMachine resolves a VM by name. When MachineOrigin is an inventory
// path, machines are looked up in the template's folder; otherwise the
// whole inventory is scanned.
func (v *VSphere) findMachine(ctx context.Context, name string) (*object.VirtualMachine, error) {
	if origin := v.cfg.OriginName(); strings.Contains(origin, "/") {
		p := origin
		if path.Base(origin) != name {
			p = path.Dir(origin) + "/" + name
		}
		ref, err := object.NewSearchIndex(v.client.Client).FindByInventoryPath(ctx, p)
		if err != nil {
			return nil, maybeTransient(err)
		}
		if ref == nil {
			return nil, fmt.Errorf("%w: %s", errNotFound, p)
		}
		vm, ok := ref.(*object.VirtualMachine)
		if !ok {
			return nil, fmt.Errorf("%s is not a virtual machine", p)
		}
		return vm, nil
	}

	vms, err := v.retrieveByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(vms) == 0 {
		return nil, fmt.Errorf("%w: %s", errNotFound, name)
	}
	return object.NewVirtualMachine(v.client.Client, vms[0].Self), nil
}

// retrieveByName fetches name and power state of VMs through a
// container view over the whole inventory. Empty name matches all.
func (v *VSphere) retrieveByName(ctx context.Context, name string) ([]mo.VirtualMachine, error) {
	m := view.NewManager(v.client.Client)
	cv, err := m.CreateContainerView(ctx, v.client.ServiceContent.RootFolder, []string{"VirtualMachine"}, true)
	if err != nil {
		return nil, maybeTransient(err)
	}
	defer func() { _ = cv.Destroy(ctx) }()

	var vms []mo.VirtualMachine
	err = cv.Retrieve(ctx, []string{"VirtualMachine"}, []string{"name", "runtime.powerState"}, &vms)
	if err != nil {
		return nil, maybeTransient(err)
	}
	if name == "" {
		return vms, nil
	}
	var matched []mo.VirtualMachine
	for _, vm := range vms {
		if vm.Name == name {
			matched = append(matched, vm)
		}
	}
	return matched, nil
}

func (v *VSphere) findDatastore(ctx context.Context) (*object.Datastore, error) {
	ref, err := object.NewSearchIndex(v.client.Client).FindByInventoryPath(ctx, v.cfg.StoragePool)
	if err != nil {
		return nil, maybeTransient(err)
	}
	ds, ok := ref.(*object.Datastore)
	if !ok {
		return nil, apperrors.NewKnownConfig("datastore %s not found", v.cfg.StoragePool)
	}
	return ds, nil
}

func (v *VSphere) findResourcePool(ctx context.Context) (*object.ResourcePool, error) {
	ref, err := object.NewSearchIndex(v.client.Client).FindByInventoryPath(ctx, v.cfg.VSphereResourcePool)
	if err != nil {
		return nil, maybeTransient(err)
	}
	pool, ok := ref.(*object.ResourcePool)
	if !ok {
		return nil, apperrors.NewKnownConfig("resource pool %s not found", v.cfg.VSphereResourcePool)
	}
	return pool, nil
}

func isDuplicateName(err error) bool {
	var terr task.Error
	if !errors.As(err, &terr) {
		return false
	}
	_, ok := terr.Fault().(*types.DuplicateName)
	return ok
}

// maybeTransient marks connection-level failures retryable. SOAP
// faults carry real API errors and propagate as-is.
func maybeTransient(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return iaas.Transient(err)
	}
	return err
}
