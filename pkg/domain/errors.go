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

package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind names an entry of the error taxonomy.
type ErrorKind string

const (
	KindNone            ErrorKind = ""
	KindTopology        ErrorKind = "Topology"
	KindUnknownDevice   ErrorKind = "UnknownDevice"
	KindDriverOperation ErrorKind = "DriverOperation"
	KindStateMismatch   ErrorKind = "StateMismatch"
	KindBusy            ErrorKind = "Busy"
	KindInvalidArgument ErrorKind = "InvalidArgument"
	KindInternal        ErrorKind = "Internal"
)

// TopologyError reports an unreadable inventory or an IOMMU group that
// cannot be isolated.
type TopologyError struct {
	Address    string
	Reason     string
	Unexpected []string
	Err        error
}

func (e *TopologyError) Error() string {
	var b strings.Builder
	b.WriteString("topology")
	if e.Address != "" {
		b.WriteString(" of ")
		b.WriteString(e.Address)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	if len(e.Unexpected) > 0 {
		fmt.Fprintf(&b, " (unexpected members: %s)", strings.Join(e.Unexpected, ", "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *TopologyError) Unwrap() error { return e.Err }

// UnknownDeviceError reports an id or address absent from the current inventory.
type UnknownDeviceError struct {
	ID      uint32
	Address string
}

func (e *UnknownDeviceError) Error() string {
	if e.Address != "" {
		return fmt.Sprintf("unknown GPU at %s", e.Address)
	}
	return fmt.Sprintf("unknown GPU id %d", e.ID)
}

// DriverOperationError reports a failed or timed out sysfs driver operation.
type DriverOperationError struct {
	Op      string
	Address string
	Driver  string
	Err     error
}

func (e *DriverOperationError) Error() string {
	if e.Driver != "" {
		return fmt.Sprintf("%s %s (driver %s): %v", e.Op, e.Address, e.Driver, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Address, e.Err)
}

func (e *DriverOperationError) Unwrap() error { return e.Err }

// StateMismatchError reports that verification observed a mode other than
// the requested one.
type StateMismatchError struct {
	Requested Mode
	Observed  Mode
	Reverted  bool
	RevertErr error
}

func (e *StateMismatchError) Error() string {
	msg := fmt.Sprintf("requested mode %s, observed %s", e.Requested, e.Observed)
	switch {
	case e.RevertErr != nil:
		msg += fmt.Sprintf("; revert failed: %v", e.RevertErr)
	case e.Reverted:
		msg += "; reverted"
	}
	return msg
}

// BusyError reports that another mutating operation is in flight.
type BusyError struct {
	Operation string
}

func (e *BusyError) Error() string {
	if e.Operation == "" {
		return "another operation is in progress"
	}
	return fmt.Sprintf("another operation is in progress: %s", e.Operation)
}

// InvalidArgumentError reports a malformed request argument.
type InvalidArgumentError struct {
	Argument string
	Value    string
	Reason   string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Argument, e.Value, e.Reason)
}

// Kind classifies err into the taxonomy. Errors outside it are Internal.
func Kind(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var (
		topology *TopologyError
		unknown  *UnknownDeviceError
		driver   *DriverOperationError
		mismatch *StateMismatchError
		busy     *BusyError
		invalid  *InvalidArgumentError
	)
	switch {
	case errors.As(err, &busy):
		return KindBusy
	case errors.As(err, &invalid):
		return KindInvalidArgument
	case errors.As(err, &unknown):
		return KindUnknownDevice
	case errors.As(err, &topology):
		return KindTopology
	case errors.As(err, &mismatch):
		return KindStateMismatch
	case errors.As(err, &driver):
		return KindDriverOperation
	default:
		return KindInternal
	}
}
