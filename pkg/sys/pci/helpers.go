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

package pci

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ValidAddress reports whether addr has the canonical domain:bus:device.function
// shape, e.g. 0000:01:00.0.
func ValidAddress(addr string) bool {
	if len(addr) != 12 || addr[4] != ':' || addr[7] != ':' || addr[10] != '.' {
		return false
	}
	for i := 0; i < len(addr); i++ {
		switch i {
		case 4, 7, 10:
			continue
		}
		c := addr[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return addr[11] <= '7'
}

// Slot returns the domain:bus:device part of a canonical address.
func Slot(addr string) string {
	if len(addr) < 10 {
		return addr
	}
	return addr[:10]
}

// Bus returns the bus number of a canonical address.
func Bus(addr string) string {
	if len(addr) < 7 {
		return ""
	}
	return addr[5:7]
}

func normalizeHexID(raw string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(raw)), "0x")
}

func normalizeClassCode(raw string) string {
	value := normalizeHexID(raw)
	if len(value) < 4 {
		return ""
	}
	return value[:4]
}

func readTrim(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readDriverName(devicePath string) string {
	link, err := os.Readlink(filepath.Join(devicePath, "driver"))
	if err != nil {
		return ""
	}
	return filepath.Base(link)
}

func readIommuGroup(devicePath string) int {
	link, err := os.Readlink(filepath.Join(devicePath, "iommu_group"))
	if err != nil {
		return -1
	}
	group, err := strconv.Atoi(filepath.Base(link))
	if err != nil {
		return -1
	}
	return group
}
