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

	"github.com/godbus/dbus/v5"
)

// Client calls the daemon over the bus.
type Client struct {
	obj dbus.BusObject
}

func NewClient(conn *dbus.Conn) *Client {
	return &Client{obj: conn.Object(BusName, ObjectPath)}
}

func (c *Client) List(ctx context.Context) ([]Row, error) {
	var rows []Row
	err := c.obj.CallWithContext(ctx, Interface+".List", 0).Store(&rows)
	return rows, err
}

func (c *Client) ListModes(ctx context.Context) ([]string, error) {
	var modes []string
	err := c.obj.CallWithContext(ctx, Interface+".ListModes", 0).Store(&modes)
	return modes, err
}

func (c *Client) Get(ctx context.Context) (string, error) {
	var mode string
	err := c.obj.CallWithContext(ctx, Interface+".Get", 0).Store(&mode)
	return mode, err
}

func (c *Client) Set(ctx context.Context, mode string) (string, error) {
	var msg string
	err := c.obj.CallWithContext(ctx, Interface+".Set", 0, mode).Store(&msg)
	return msg, err
}

func (c *Client) GpuBlock(ctx context.Context, id uint32, enabled bool) (string, error) {
	var msg string
	err := c.obj.CallWithContext(ctx, Interface+".GpuBlock", 0, id, enabled).Store(&msg)
	return msg, err
}
