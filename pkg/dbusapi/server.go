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
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/deckhouse/deckhouse/pkg/log"

	"github.com/Luytan/hybridmanager/pkg/domain"
	"github.com/Luytan/hybridmanager/pkg/logger"
)

// Coordinator is the daemon surface exported on the bus.
type Coordinator interface {
	List(ctx context.Context) ([]domain.GpuDevice, error)
	ListModes() []domain.Mode
	Get(ctx context.Context) (domain.Mode, error)
	Set(ctx context.Context, mode string) (domain.Outcome, error)
	GpuBlock(ctx context.Context, id uint32, enabled bool) (domain.Outcome, error)
}

// Object implements the D-Bus methods. Its exported method set is exactly
// the interface.
type Object struct {
	coord Coordinator
	log   *log.Logger
}

func NewObject(coord Coordinator, log *log.Logger) *Object {
	return &Object{coord: coord, log: log.With(logger.SlogHandler("dbus"))}
}

func (o *Object) List() ([]Row, *dbus.Error) {
	devices, err := o.coord.List(context.Background())
	if err != nil {
		return nil, o.fail("List", err)
	}
	rows := make([]Row, 0, len(devices))
	for _, dev := range devices {
		rows = append(rows, RowFromDevice(dev))
	}
	return rows, nil
}

func (o *Object) ListModes() ([]string, *dbus.Error) {
	modes := o.coord.ListModes()
	out := make([]string, 0, len(modes))
	for _, m := range modes {
		out = append(out, string(m))
	}
	return out, nil
}

func (o *Object) Get() (string, *dbus.Error) {
	m, err := o.coord.Get(context.Background())
	if err != nil {
		return "", o.fail("Get", err)
	}
	return string(m), nil
}

func (o *Object) Set(mode string) (string, *dbus.Error) {
	o.log.Info("Set requested", "mode", mode)
	out, err := o.coord.Set(context.Background(), mode)
	if err != nil {
		return "", o.fail("Set", err)
	}
	return fmt.Sprintf("Set mode to %s", out.Observed), nil
}

func (o *Object) GpuBlock(id uint32, enabled bool) (string, *dbus.Error) {
	o.log.Info("GpuBlock requested", "id", id, "enabled", enabled)
	ctx := context.Background()
	if _, err := o.coord.GpuBlock(ctx, id, enabled); err != nil {
		return "", o.fail("GpuBlock", err)
	}
	effective := enabled
	if devices, err := o.coord.List(ctx); err == nil {
		for _, dev := range devices {
			if dev.ID == id {
				effective = dev.IsBlocked
			}
		}
	}
	return fmt.Sprintf("GPU %d block %s (effective=%t)", id, onOff(enabled), effective), nil
}

func (o *Object) fail(method string, err error) *dbus.Error {
	o.log.Warn("method failed", "method", method, "kind", domain.Kind(err), logger.SlogErr(err))
	return toDBusError(err)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// Connect opens the system or session bus.
func Connect(bus string) (*dbus.Conn, error) {
	if bus == "session" {
		return dbus.ConnectSessionBus()
	}
	return dbus.ConnectSystemBus()
}

// Serve exports obj and then claims the well-known name, so no call can
// arrive before the handlers are in place.
func Serve(conn *dbus.Conn, obj *Object) error {
	if err := conn.Export(obj, ObjectPath, Interface); err != nil {
		return fmt.Errorf("export %s: %w", Interface, err)
	}
	xml := "<node>" + introspectionXML + introspect.IntrospectDataString + "</node>"
	if err := conn.Export(introspect.Introspectable(xml), ObjectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("export introspection: %w", err)
	}

	reply, err := conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request bus name %s: %w", BusName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("cannot obtain bus name %q", BusName)
	}
	return nil
}
