package config

// Copyright (C) 2026  The sccache-dist Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config loads environment-variable configuration for each of the
// three sccache-dist roles, in the style of
// Keyhole-Koro-InsightifyCore/internal/gateway/config/config.go: an
// optional .env file, a documented default per setting, and a firstNonEmpty
// helper rather than a flag/viper framework.

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Default loopback ports, named exactly as spec.md §6 names them.
const (
	DefaultSchedulerServersPort = 10500
	DefaultSchedulerClientsPort = 10501
	DefaultServerClientsPort    = 10502
)

// Ports bundles the three TCP ports, overridable independently so multiple
// roles can run side by side on one machine (tests, local dev).
type Ports struct {
	SchedulerServers int
	SchedulerClients int
	ServerClients    int
}

// LoadPorts reads SCCACHE_DIST_SCHEDULER_SERVERS_PORT,
// SCCACHE_DIST_SCHEDULER_CLIENTS_PORT, and SCCACHE_DIST_SERVER_CLIENTS_PORT,
// falling back to the spec-mandated defaults.
func LoadPorts() (Ports, error) {
	_ = godotenv.Load()
	p := Ports{
		SchedulerServers: DefaultSchedulerServersPort,
		SchedulerClients: DefaultSchedulerClientsPort,
		ServerClients:    DefaultServerClientsPort,
	}
	var err error
	if p.SchedulerServers, err = intEnv("SCCACHE_DIST_SCHEDULER_SERVERS_PORT", p.SchedulerServers); err != nil {
		return Ports{}, err
	}
	if p.SchedulerClients, err = intEnv("SCCACHE_DIST_SCHEDULER_CLIENTS_PORT", p.SchedulerClients); err != nil {
		return Ports{}, err
	}
	if p.ServerClients, err = intEnv("SCCACHE_DIST_SERVER_CLIENTS_PORT", p.ServerClients); err != nil {
		return Ports{}, err
	}
	return p, nil
}

// ContainerRuntime returns the container CLI binary to shell out to,
// defaulting to "docker". Any runtime exposing the verb set spec.md §6
// names (create, cp, commit, run -d, exec, diff, rm -f) is acceptable.
func ContainerRuntime() string {
	return firstNonEmpty(os.Getenv("SCCACHE_DIST_CONTAINER_RUNTIME"), "docker")
}

// MaxConcurrentJobs bounds how many client connections a BuildWorker serves
// at once (spec.md §5: "bounded concurrency"), mirroring the distilled
// source's buffer_unordered(10).
func MaxConcurrentJobs() int {
	n, err := intEnv("SCCACHE_DIST_MAX_CONCURRENT_JOBS", 10)
	if err != nil || n <= 0 {
		return 10
	}
	return n
}

// MetricsAddr is the address the Prometheus /metrics endpoint listens on.
func MetricsAddr(defaultAddr string) string {
	return firstNonEmpty(os.Getenv("SCCACHE_DIST_METRICS_ADDR"), defaultAddr)
}

// ClientConfigDir resolves the client daemon's persistent state directory:
// SCCACHE_CLIENT_CONFIG_DIR if set (spec.md §6), else the platform user
// cache dir joined with "sccache-dist/client".
func ClientConfigDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv("SCCACHE_CLIENT_CONFIG_DIR")); dir != "" {
		return dir, nil
	}
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return cacheDir + "/sccache-dist/client", nil
}

func intEnv(name string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
