/*
Copyright 2025 Flant JSC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package pciids

import (
	"fmt"
	"strings"
)

// DefaultPaths are the usual locations of the hwdata PCI ID database.
var DefaultPaths = []string{
	"/usr/share/hwdata/pci.ids",
	"/usr/share/misc/pci.ids",
	"/usr/share/pci.ids",
}

// Database maps PCI vendor and device ids to names.
// A nil *Database is valid and resolves nothing.
type Database struct {
	vendors map[string]string
	devices map[string]string
}

func newDatabase() *Database {
	return &Database{
		vendors: map[string]string{},
		devices: map[string]string{},
	}
}

// VendorName returns the vendor name for a vendor ID.
func (d *Database) VendorName(vendorID string) string {
	if d == nil {
		return ""
	}
	return d.vendors[normalize(vendorID)]
}

// DeviceName returns the device name for a vendor/device ID pair.
func (d *Database) DeviceName(vendorID, deviceID string) string {
	if d == nil {
		return ""
	}
	return d.devices[deviceKey(normalize(vendorID), normalize(deviceID))]
}

// DisplayName renders a human readable name, degrading to raw ids when the
// database does not know the device.
func (d *Database) DisplayName(vendorID, deviceID string) string {
	vendorID, deviceID = normalize(vendorID), normalize(deviceID)
	vendor := d.VendorName(vendorID)
	device := d.DeviceName(vendorID, deviceID)
	switch {
	case vendor != "" && device != "":
		return vendor + " " + device
	case vendor != "":
		return fmt.Sprintf("%s [%s:%s]", vendor, vendorID, deviceID)
	default:
		return vendorID + ":" + deviceID
	}
}

func deviceKey(vendorID, deviceID string) string {
	return vendorID + ":" + deviceID
}

func normalize(id string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(id)), "0x")
}
