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

package logger

import "log/slog"

func SlogErr(err error) slog.Attr {
	if err == nil {
		return slog.String("err", "")
	}
	return slog.String("err", err.Error())
}

func SlogController(name string) slog.Attr {
	return slog.String("controller", name)
}

func SlogCollector(name string) slog.Attr {
	return slog.String("collector", name)
}

func SlogHandler(name string) slog.Attr {
	return slog.String("handler", name)
}

func SlogStep(name string) slog.Attr {
	return slog.String("step", name)
}

func SlogGPU(id uint32, address string) slog.Attr {
	return slog.Group("gpu", slog.Any("id", id), slog.String("pci", address))
}
