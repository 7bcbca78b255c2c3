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

package dbusapi

import (
	"github.com/godbus/dbus/v5"

	"github.com/Luytan/hybridmanager/pkg/domain"
)

const (
	BusName    = "io.github.luytan.HybridManager"
	Interface  = "io.github.luytan.HybridManager"
	ObjectPath = dbus.ObjectPath("/io/github/luytan/HybridManager")
)

const introspectionXML = `
<interface name="io.github.luytan.HybridManager">
	<method name="List">
		<arg type="a(usssbb)" name="gpus" direction="out"/>
	</method>
	<method name="ListModes">
		<arg type="as" name="modes" direction="out"/>
	</method>
	<method name="Get">
		<arg type="s" name="mode" direction="out"/>
	</method>
	<method name="Set">
		<arg type="s" name="mode" direction="in"/>
		<arg type="s" name="message" direction="out"/>
	</method>
	<method name="GpuBlock">
		<arg type="u" name="id" direction="in"/>
		<arg type="b" name="enabled" direction="in"/>
		<arg type="s" name="message" direction="out"/>
	</method>
</interface>`

// Row is one GPU as sent over the bus, signature (usssbb).
type Row struct {
	ID      uint32
	Name    string
	PCI     string
	Render  string
	Default bool
	Blocked bool
}

func RowFromDevice(dev domain.GpuDevice) Row {
	return Row{
		ID:      dev.ID,
		Name:    dev.Name,
		PCI:     dev.Address,
		Render:  dev.RenderNode,
		Default: dev.IsDefaultBootGPU,
		Blocked: dev.IsBlocked,
	}
}
