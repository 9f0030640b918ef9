// v1
// internal/device/usb.go
package device

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// DefaultSysfsRoot is where Linux exposes USB devices.
const DefaultSysfsRoot = "/sys/bus/usb/devices"

// USBID is a vendor/product pair.
type USBID struct {
	Vendor  uint16
	Product uint16
}

func (u USBID) String() string {
	return fmt.Sprintf("%04x:%04x", u.Vendor, u.Product)
}

// KnownReaders lists the USB NFC front ends the appliance supports.
var KnownReaders = map[USBID]string{
	{Vendor: 0x04e6, Product: 0x5591}: "SCM SCL3711",
	{Vendor: 0x054c, Product: 0x0193}: "Sony PN531",
	{Vendor: 0x04cc, Product: 0x0531}: "Philips/NXP PN531",
	{Vendor: 0x04cc, Product: 0x2533}: "NXP PN533",
	{Vendor: 0x054c, Product: 0x02e1}: "Sony RC-S330",
	{Vendor: 0x054c, Product: 0x06c1}: "Sony RC-S380/S",
	{Vendor: 0x054c, Product: 0x06c3}: "Sony RC-S380/P",
	{Vendor: 0x072f, Product: 0x2200}: "ACS ACR122U",
	{Vendor: 0x072f, Product: 0x90cc}: "Touchatag",
}

// Lister enumerates the identities of currently connected readers.
type Lister interface {
	List() ([]string, error)
}

// USBLister scans sysfs for known NFC readers. A reader is identified by
// its serial number ("usb-sn:<serial>") when it reports a usable one, and
// by its physical port path ("usb:1-1.2") otherwise. Both survive a replug;
// the kernel device number does not.
type USBLister struct {
	Root  string
	Known map[USBID]string
}

// NewUSBLister scans root, or DefaultSysfsRoot when root is empty.
func NewUSBLister(root string) *USBLister {
	if strings.TrimSpace(root) == "" {
		root = DefaultSysfsRoot
	}
	return &USBLister{Root: root, Known: KnownReaders}
}

// List returns matching reader identities in port order.
func (l *USBLister) List() ([]string, error) {
	entries, err := os.ReadDir(l.Root)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", l.Root, err)
	}
	type found struct {
		port, serial string
	}
	var devices []found
	serials := map[string]int{}
	for _, e := range entries {
		// interface entries ("1-1.2:1.0") carry no device descriptor
		if strings.Contains(e.Name(), ":") {
			continue
		}
		dir := filepath.Join(l.Root, e.Name())
		vendor, err := readHex(dir, "idVendor")
		if err != nil {
			continue
		}
		product, err := readHex(dir, "idProduct")
		if err != nil {
			continue
		}
		if _, ok := l.Known[USBID{Vendor: vendor, Product: product}]; !ok {
			continue
		}
		serial, _ := readAttr(dir, "serial")
		if !validSerial(serial) {
			serial = ""
		}
		if serial != "" {
			serials[serial]++
		}
		devices = append(devices, found{port: e.Name(), serial: serial})
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].port < devices[j].port })
	ids := make([]string, 0, len(devices))
	for _, d := range devices {
		// readers sharing a factory serial fall back to their port
		if d.serial != "" && serials[d.serial] == 1 {
			ids = append(ids, "usb-sn:"+d.serial)
			continue
		}
		ids = append(ids, "usb:"+d.port)
	}
	return ids, nil
}

func validSerial(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

func readAttr(dir, name string) (string, error) {
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return "", err
	}
	v := strings.TrimSpace(string(b))
	if v == "" {
		return "", errors.New("empty attribute " + name)
	}
	return v, nil
}

func readHex(dir, name string) (uint16, error) {
	v, err := readAttr(dir, name)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(v, 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(n), nil
}
