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

package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/Luytan/hybridmanager/pkg/dbusapi"
)

func printTable(out io.Writer, rows []dbusapi.Row) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	header := []string{"ID", "NAME", "PCI", "RENDER", "DEFAULT", "BLOCKED"}
	fmt.Fprintln(w, strings.Join(header, "\t"))
	rules := make([]string, len(header))
	for i, h := range header {
		rules[i] = strings.Repeat("-", len(h))
	}
	fmt.Fprintln(w, strings.Join(rules, "\t"))
	for _, r := range rows {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.Name, r.PCI, r.Render, yesNo(r.Default), blocked(r.Blocked))
	}
	return w.Flush()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func blocked(b bool) string {
	if b {
		return "on*"
	}
	return "off"
}
