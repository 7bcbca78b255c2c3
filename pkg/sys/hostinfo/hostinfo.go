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

package hostinfo

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	defaultSysRoot       = "/sys"
	defaultOSRelease     = "/etc/os-release"
	defaultKernelRelease = "/proc/sys/kernel/osrelease"
)

// Info summarizes the host prerequisites for enforcement and switching.
type Info struct {
	OSName        string
	OSVersion     string
	KernelRelease string
	// LSMs is the active LSM stack in load order.
	LSMs []string
	// IommuGroups is the number of IOMMU groups exposed by the kernel.
	IommuGroups int
}

// BPFLSMEnabled reports whether the bpf LSM is part of the active stack.
func (i Info) BPFLSMEnabled() bool {
	for _, lsm := range i.LSMs {
		if lsm == "bpf" {
			return true
		}
	}
	return false
}

// IommuEnabled reports whether the kernel exposes any IOMMU group.
func (i Info) IommuEnabled() bool {
	return i.IommuGroups > 0
}

// Discover reads host information. Missing sources leave fields empty.
func Discover(osReleasePath, sysRoot string) Info {
	if sysRoot == "" {
		sysRoot = defaultSysRoot
	}
	if osReleasePath == "" {
		osReleasePath = defaultOSRelease
	}

	var info Info
	if release, err := parseOSRelease(osReleasePath); err == nil {
		info.OSName = release["NAME"]
		info.OSVersion = release["VERSION_ID"]
	}
	info.KernelRelease, _ = readTrim(defaultKernelRelease)
	info.LSMs = readLSMs(filepath.Join(sysRoot, "kernel/security/lsm"))
	if entries, err := os.ReadDir(filepath.Join(sysRoot, "kernel/iommu_groups")); err == nil {
		info.IommuGroups = len(entries)
	}
	return info
}

func readLSMs(path string) []string {
	raw, err := readTrim(path)
	if err != nil || raw == "" {
		return nil
	}
	var lsms []string
	for _, lsm := range strings.Split(raw, ",") {
		if lsm = strings.TrimSpace(lsm); lsm != "" {
			lsms = append(lsms, lsm)
		}
	}
	return lsms
}

var osReleaseLine = regexp.MustCompile(`^(\w+)=(.+)`)

func parseOSRelease(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	release := map[string]string{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if m := osReleaseLine.FindStringSubmatch(scanner.Text()); m != nil {
			release[m[1]] = strings.Trim(m[2], `"'`)
		}
	}
	return release, scanner.Err()
}

func readTrim(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
