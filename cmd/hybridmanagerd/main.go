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
	"flag"
	"fmt"
	"os"
	"strconv"

	"sigs.k8s.io/controller-runtime/pkg/manager/signals"

	"github.com/Luytan/hybridmanager/pkg/config"
	"github.com/Luytan/hybridmanager/pkg/logger"
)

const (
	logDebugVerbosityEnv = "LOG_DEBUG_VERBOSITY"
	logLevelEnv          = "LOG_LEVEL"
	logOutputEnv         = "LOG_OUTPUT"
	configPathEnv        = "HYBRIDMANAGER_CONFIG"
)

func main() {
	var configPath string
	var healthAddr string

	logLevel := os.Getenv(logLevelEnv)
	logOutput := os.Getenv(logOutputEnv)
	logDebugVerbosity := envIntOrDie(logDebugVerbosityEnv)

	flag.StringVar(&configPath, "config", envOr(configPathEnv, config.DefaultPath), "Path to the configuration file.")
	flag.StringVar(&healthAddr, "health-addr", "", "The address the health and metrics endpoint binds to (overrides the config file, empty disables override).")
	flag.StringVar(&logLevel, "log-level", logLevel, "Log level.")
	flag.StringVar(&logOutput, "log-output", logOutput, "Log output.")
	flag.IntVar(&logDebugVerbosity, "log-debug-verbosity", logDebugVerbosity, "Log debug verbosity.")
	flag.Parse()

	rootLog := logger.NewLogger(logLevel, logOutput, logDebugVerbosity)
	logger.SetDefaultLogger(rootLog)
	log := rootLog.With(logger.SlogController("hybridmanagerd"))

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error("unable to load configuration", "path", configPath, logger.SlogErr(err))
		os.Exit(1)
	}
	if healthAddr != "" {
		cfg.Server.HealthAddr = healthAddr
	}

	ctx := signals.SetupSignalHandler()
	if err := run(ctx, configPath, cfg, log); err != nil {
		log.Error("daemon failed", logger.SlogErr(err))
		os.Exit(1)
	}
}

func envOr(name, fallback string) string {
	if val := os.Getenv(name); val != "" {
		return val
	}
	return fallback
}

func envIntOrDie(name string) int {
	raw := os.Getenv(name)
	if raw == "" {
		return 0
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s: %v\n", name, err)
		os.Exit(1)
	}
	return val
}
