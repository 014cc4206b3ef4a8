package libvirt

import (
	"context"
	"strings"
	"testing"

	"github.com/pgplane/pgplane/pkg/apperrors"
	"github.com/pgplane/pgplane/pkg/config"
)

const testDomainXML = `
<domain type='kvm'>
  <name>pgplane-test0</name>
  <devices>
    <disk type='file' device='disk'>
      <source file='/var/lib/libvirt/images/pgplane-test0.qcow2'/>
      <target dev='sda' bus='scsi'/>
      <address type='drive' controller='0' bus='0' target='0' unit='0'/>
    </disk>
    <disk type='file' device='disk'>
      <source file='/var/lib/libvirt/images/pgplane-test0-data.qcow2'/>
      <target dev='sdb' bus='scsi'/>
      <address type='drive' controller='0' bus='0' target='0' unit='1'/>
    </disk>
    <controller type='scsi' index='0' model='virtio-scsi'>
      <address type='pci' domain='0x0000' bus='0x00' slot='0x05' function='0x0'/>
    </controller>
    <controller type='pci' index='0' model='pcie-root'/>
  </devices>
</domain>`

// call records one local command invocation.
type call struct {
	tool string
	args []string
}

// fakeRunner scripts local command output per virsh subcommand or tool
// name, and records every invocation.
type fakeRunner struct {
	calls     []call
	responses map[string]string
	errors    map[string]error
}

func (f *fakeRunner) run(ctx context.Context, name string, args ...string) (string, error) {
	f.calls = append(f.calls, call{tool: name, args: args})
	key := name
	if name == "virsh" {
		// Strip "--connect <uri> --quiet".
		key = args[3]
	}
	if err, ok := f.errors[key]; ok {
		return "", err
	}
	return f.responses[key], nil
}

func (f *fakeRunner) count(key string) int {
	n := 0
	for _, c := range f.calls {
		if c.tool == key {
			n++
			continue
		}
		if c.tool == "virsh" && c.args[3] == key {
			n++
		}
	}
	return n
}

func testBackend(f *fakeRunner) *LibVirt {
	cfg := config.Defaults()
	cfg.DNSDomain = ".pg.example.com"
	cfg.DeployKey = "ssh-ed25519 AAAA test"
	return &LibVirt{uri: "qemu:///system", cfg: &cfg, run: f.run}
}

func notFoundErr() error {
	return &cmdError{cmd: "virsh", exitCode: 1, stderr: "error: failed to get domain 'x'"}
}

func TestCreateMachineClonesAndPreps(t *testing.T) {
	f := &fakeRunner{
		responses: map[string]string{
			"domstate": stateShutOff,
			"vol-path": "/var/lib/libvirt/images/pgplane-test0-data.qcow2\n",
			"dumpxml":  testDomainXML,
		},
		errors: map[string]error{},
	}
	// First domstate lookup fails: the domain does not exist yet.
	f.errors["domstate"] = notFoundErr()

	v := testBackend(f)
	// Clear the error once virt-clone ran.
	origRun := f.run
	v.run = func(ctx context.Context, name string, args ...string) (string, error) {
		if name == "virt-clone" {
			delete(f.errors, "domstate")
		}
		return origRun(ctx, name, args...)
	}

	m, err := v.CreateMachine(context.Background(), "test0", 5)
	if err != nil {
		t.Fatalf("CreateMachine: %v", err)
	}
	if m.Name != "pgplane-test0" {
		t.Errorf("machine name = %q", m.Name)
	}
	if f.count("virt-clone") != 1 {
		t.Errorf("virt-clone ran %d times, want 1", f.count("virt-clone"))
	}
	if f.count("virt-sysprep") != 1 {
		t.Errorf("virt-sysprep ran %d times, want 1", f.count("virt-sysprep"))
	}
	// Disk already referenced in the XML: no attach.
	if f.count("attach-disk") != 0 {
		t.Errorf("attach-disk ran %d times, want 0", f.count("attach-disk"))
	}
}

func TestCreateMachineReusesExisting(t *testing.T) {
	f := &fakeRunner{
		responses: map[string]string{
			"domstate": stateRunning,
			"vol-path": "/var/lib/libvirt/images/pgplane-test0-data.qcow2\n",
			"dumpxml":  testDomainXML,
		},
	}
	v := testBackend(f)

	m, err := v.CreateMachine(context.Background(), "test0", 5)
	if err != nil {
		t.Fatalf("CreateMachine: %v", err)
	}
	if !m.Running {
		t.Error("existing running machine reported stopped")
	}
	// Reused machine: no clone, and customization must not run on a
	// machine that is not powered off.
	if f.count("virt-clone") != 0 || f.count("virt-sysprep") != 0 {
		t.Errorf("reuse path ran clone=%d sysprep=%d", f.count("virt-clone"), f.count("virt-sysprep"))
	}
}

func TestCreateMachineAttachesNewDisk(t *testing.T) {
	bareXML := strings.Replace(testDomainXML,
		`    <disk type='file' device='disk'>
      <source file='/var/lib/libvirt/images/pgplane-test0-data.qcow2'/>
      <target dev='sdb' bus='scsi'/>
      <address type='drive' controller='0' bus='0' target='0' unit='1'/>
    </disk>
`, "", 1)
	f := &fakeRunner{
		responses: map[string]string{
			"domstate": stateRunning,
			"vol-path": "/var/lib/libvirt/images/pgplane-test0-data.qcow2\n",
			"dumpxml":  bareXML,
		},
	}
	v := testBackend(f)

	if _, err := v.CreateMachine(context.Background(), "test0", 5); err != nil {
		t.Fatalf("CreateMachine: %v", err)
	}
	if f.count("attach-disk") != 1 {
		t.Fatalf("attach-disk ran %d times, want 1", f.count("attach-disk"))
	}
	for _, c := range f.calls {
		if c.tool == "virsh" && c.args[3] == "attach-disk" {
			// One scsi disk present: the data disk lands on sdb.
			if c.args[6] != "sdb" {
				t.Errorf("attach target = %q, want sdb", c.args[6])
			}
		}
	}
}

func TestStartMachineIdempotent(t *testing.T) {
	f := &fakeRunner{responses: map[string]string{"domstate": stateRunning}}
	v := testBackend(f)

	if err := v.StartMachine(context.Background(), "test0", 1); err != nil {
		t.Fatalf("StartMachine: %v", err)
	}
	if f.count("start") != 0 {
		t.Errorf("start issued on an already-running machine")
	}
}

func TestStopMachineTimesOut(t *testing.T) {
	f := &fakeRunner{responses: map[string]string{"domstate": stateRunning}}
	v := testBackend(f)

	err := v.StopMachine(context.Background(), "test0", 0)
	if !apperrors.IsTimeout(err) {
		t.Fatalf("want Timeout, got %v", err)
	}
}

func TestDeleteMachineNotFoundIsSuccess(t *testing.T) {
	f := &fakeRunner{
		responses: map[string]string{},
		errors:    map[string]error{"domstate": notFoundErr()},
	}
	v := testBackend(f)

	if err := v.DeleteMachine(context.Background(), "gone"); err != nil {
		t.Fatalf("DeleteMachine: %v", err)
	}
	if f.count("undefine") != 0 {
		t.Error("undefine issued for a missing machine")
	}
}

func TestListMachinesFiltersPrefixAndOrigin(t *testing.T) {
	f := &fakeRunner{responses: map[string]string{
		"list": "pgplane-test0\npgplane-origin\npgplane-test1\nunrelated-vm\n",
	}}
	// Second list call (running only) returns the same scripted value;
	// override per-call instead.
	calls := 0
	v := testBackend(f)
	orig := f.run
	v.run = func(ctx context.Context, name string, args ...string) (string, error) {
		if name == "virsh" && args[3] == "list" {
			calls++
			if calls == 2 {
				return "pgplane-test0\n", nil
			}
		}
		return orig(ctx, name, args...)
	}

	machines, err := v.ListMachines(context.Background())
	if err != nil {
		t.Fatalf("ListMachines: %v", err)
	}
	if len(machines) != 2 {
		t.Fatalf("machines = %v, want 2 entries", machines)
	}
	if machines[0].Name != "pgplane-test0" || !machines[0].Running {
		t.Errorf("machines[0] = %+v", machines[0])
	}
	if machines[1].Name != "pgplane-test1" || machines[1].Running {
		t.Errorf("machines[1] = %+v", machines[1])
	}
}

func TestGuestDevicePath(t *testing.T) {
	dom, err := parseDomainXML(testDomainXML)
	if err != nil {
		t.Fatalf("parseDomainXML: %v", err)
	}
	path, err := guestDevicePath(dom, "/var/lib/libvirt/images/pgplane-test0-data.qcow2")
	if err != nil {
		t.Fatalf("guestDevicePath: %v", err)
	}
	want := "/dev/disk/by-path/pci-0000:00:05.0-scsi-0:0:0:1"
	if path != want {
		t.Errorf("device path = %q, want %q", path, want)
	}
}

func TestGuestDevicePathUnknownVolume(t *testing.T) {
	dom, _ := parseDomainXML(testDomainXML)
	if _, err := guestDevicePath(dom, "/nowhere.qcow2"); err == nil {
		t.Fatal("expected error for unknown volume")
	}
}

func TestNextSCSITarget(t *testing.T) {
	dom, _ := parseDomainXML(testDomainXML)
	target, err := nextSCSITarget(dom)
	if err != nil {
		t.Fatalf("nextSCSITarget: %v", err)
	}
	if target != "sdc" {
		t.Errorf("target = %q, want sdc (two scsi disks present)", target)
	}
}
