package libvirt

import (
	"encoding/xml"
	"fmt"
	"strconv"
)

// Minimal mapping of the domain XML, covering disk and controller
// topology.

type domainXML struct {
	Devices struct {
		Disks       []diskXML       `xml:"disk"`
		Controllers []controllerXML `xml:"controller"`
	} `xml:"devices"`
}

type diskXML struct {
	Source struct {
		File string `xml:"file,attr"`
	} `xml:"source"`
	Target struct {
		Dev string `xml:"dev,attr"`
		Bus string `xml:"bus,attr"`
	} `xml:"target"`
	Address addressXML `xml:"address"`
}

type controllerXML struct {
	Type    string     `xml:"type,attr"`
	Address addressXML `xml:"address"`
}

type addressXML struct {
	Type       string `xml:"type,attr"`
	Domain     string `xml:"domain,attr"`
	Bus        string `xml:"bus,attr"`
	Slot       string `xml:"slot,attr"`
	Function   string `xml:"function,attr"`
	Controller string `xml:"controller,attr"`
	Target     string `xml:"target,attr"`
	Unit       string `xml:"unit,attr"`
}

func parseDomainXML(raw string) (*domainXML, error) {
	var dom domainXML
	if err := xml.Unmarshal([]byte(raw), &dom); err != nil {
		return nil, err
	}
	return &dom, nil
}

// nextSCSITarget picks the first free sdX device name on the SCSI bus.
func nextSCSITarget(dom *domainXML) (string, error) {
	used := 0
	for _, disk := range dom.Devices.Disks {
		if disk.Target.Bus == "scsi" {
			used++
		}
	}
	if used >= 26 {
		return "", fmt.Errorf("SCSI bus is full, %d disks attached", used)
	}
	return "sd" + string(rune('a'+used)), nil
}

// guestDevicePath renders the /dev/disk/by-path/… file the guest kernel
// creates for the disk backed by volPath, from the PCI address of the
// SCSI controller and the disk's drive address. Same convention as
// systemd's path_id builtin.
func guestDevicePath(dom *domainXML, volPath string) (string, error) {
	var disk *diskXML
	for i := range dom.Devices.Disks {
		if dom.Devices.Disks[i].Source.File == volPath {
			disk = &dom.Devices.Disks[i]
			break
		}
	}
	if disk == nil {
		return "", fmt.Errorf("no disk backed by %s in domain XML", volPath)
	}

	var scsiCtl *controllerXML
	for i := range dom.Devices.Controllers {
		c := &dom.Devices.Controllers[i]
		if c.Type == "scsi" && c.Address.Type == "pci" {
			scsiCtl = c
			break
		}
	}
	if scsiCtl == nil {
		return "", fmt.Errorf("no PCI-addressed SCSI controller in domain XML")
	}

	pciDomain, err := parseHex(scsiCtl.Address.Domain)
	if err != nil {
		return "", err
	}
	pciBus, err := parseHex(scsiCtl.Address.Bus)
	if err != nil {
		return "", err
	}
	pciSlot, err := parseHex(scsiCtl.Address.Slot)
	if err != nil {
		return "", err
	}
	pciFunction, err := parseHex(scsiCtl.Address.Function)
	if err != nil {
		return "", err
	}

	pciPath := fmt.Sprintf("pci-%04d:%02d:%02d.%d", pciDomain, pciBus, pciSlot, pciFunction)
	scsiPath := fmt.Sprintf("scsi-%s:%s:%s:%s",
		disk.Address.Controller, disk.Address.Bus, disk.Address.Target, disk.Address.Unit)
	return fmt.Sprintf("/dev/disk/by-path/%s-%s", pciPath, scsiPath), nil
}

func parseHex(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty address attribute in domain XML")
	}
	v, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad address attribute %q: %w", s, err)
	}
	return v, nil
}
