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
	"errors"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/Luytan/hybridmanager/pkg/domain"
)

const (
	ErrorPrefix       = Interface + ".Error."
	errInvalidArgs    = "org.freedesktop.DBus.Error.InvalidArgs"
	errFailed         = "org.freedesktop.DBus.Error.Failed"
	errServiceUnknown = "org.freedesktop.DBus.Error.ServiceUnknown"
)

// toDBusError maps an error to the D-Bus error name of its kind.
func toDBusError(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	switch kind := domain.Kind(err); kind {
	case domain.KindInvalidArgument:
		return dbus.NewError(errInvalidArgs, []interface{}{err.Error()})
	case domain.KindTopology, domain.KindUnknownDevice, domain.KindDriverOperation, domain.KindStateMismatch, domain.KindBusy:
		return dbus.NewError(ErrorPrefix+string(kind), []interface{}{err.Error()})
	default:
		return dbus.MakeFailedError(err)
	}
}

// ErrorKind recovers the error kind from a D-Bus error reply.
func ErrorKind(err error) domain.ErrorKind {
	var dbusErr dbus.Error
	if !errors.As(err, &dbusErr) {
		var ptr *dbus.Error
		if !errors.As(err, &ptr) || ptr == nil {
			return domain.Kind(err)
		}
		dbusErr = *ptr
	}
	switch {
	case dbusErr.Name == errInvalidArgs:
		return domain.KindInvalidArgument
	case strings.HasPrefix(dbusErr.Name, ErrorPrefix):
		return domain.ErrorKind(strings.TrimPrefix(dbusErr.Name, ErrorPrefix))
	default:
		return domain.KindInternal
	}
}

// IsServiceUnknown reports whether the daemon is not on the bus.
func IsServiceUnknown(err error) bool {
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		return dbusErr.Name == errServiceUnknown
	}
	var ptr *dbus.Error
	return errors.As(err, &ptr) && ptr != nil && ptr.Name == errServiceUnknown
}
