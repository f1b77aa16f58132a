// Package config loads the machines configuration and the dispatcher's
// CLI-level options. This package is the external collaborator the
// dispatcher core consumes; it does not itself run transactions.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/scoky/kssh/internal/worker"
)

// machineJSON mirrors one element of the machines JSON array. Durations are
// expressed in seconds on the wire.
type machineJSON struct {
	Hostname        string `json:"hostname"`
	Username        string `json:"username"`
	WorkingDir      string `json:"wd"`
	ConnectCmd      string `json:"connect_cmd"`
	PollInterval    *int   `json:"poll_interval"`
	PollTimeout     *int   `json:"poll_timeout"`
	UploadTimeout   *int   `json:"upload_timeout"`
	DownloadTimeout *int   `json:"download_timeout"`
	InitTimeout     *int   `json:"init_timeout"`
}

// Defaults applied to any field the machines file's "default" element (or
// an individual machine) leaves unset.
const (
	defaultWorkingDir      = "."
	defaultPollInterval    = 10 * time.Second
	defaultPollTimeout     = 5 * time.Second
	defaultUploadTimeout   = 20 * time.Second
	defaultDownloadTimeout = 20 * time.Second
	defaultInitTimeout     = 20 * time.Second
)

// LoadMachines parses the machines JSON array at path into Worker configs.
// An element whose hostname is "default" is merged into every other element
// for missing keys and then excluded from the result; an element missing
// hostname (after defaulting) is a fatal configuration error.
func LoadMachines(path string) ([]worker.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading machines file %s: %w", path, err)
	}

	var raw []machineJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing machines file %s: %w", path, err)
	}

	var defaults *machineJSON
	for i := range raw {
		if raw[i].Hostname == "default" {
			d := raw[i]
			defaults = &d
			break
		}
	}

	var out []worker.Config
	for _, m := range raw {
		if m.Hostname == "default" {
			continue
		}
		applyDefaults(&m, defaults)
		if m.Hostname == "" {
			return nil, fmt.Errorf("machines file %s: entry missing required hostname", path)
		}
		out = append(out, toWorkerConfig(m))
	}
	return out, nil
}

func applyDefaults(m, d *machineJSON) {
	if d == nil {
		return
	}
	if m.Username == "" {
		m.Username = d.Username
	}
	if m.WorkingDir == "" {
		m.WorkingDir = d.WorkingDir
	}
	if m.ConnectCmd == "" {
		m.ConnectCmd = d.ConnectCmd
	}
	if m.PollInterval == nil {
		m.PollInterval = d.PollInterval
	}
	if m.PollTimeout == nil {
		m.PollTimeout = d.PollTimeout
	}
	if m.UploadTimeout == nil {
		m.UploadTimeout = d.UploadTimeout
	}
	if m.DownloadTimeout == nil {
		m.DownloadTimeout = d.DownloadTimeout
	}
	if m.InitTimeout == nil {
		m.InitTimeout = d.InitTimeout
	}
}

func toWorkerConfig(m machineJSON) worker.Config {
	wd := m.WorkingDir
	if wd == "" {
		wd = defaultWorkingDir
	}
	return worker.Config{
		Hostname:        m.Hostname,
		Username:        m.Username,
		WorkingDir:      wd,
		ConnectCmd:      m.ConnectCmd,
		PollInterval:    secondsOr(m.PollInterval, defaultPollInterval),
		PollTimeout:     secondsOr(m.PollTimeout, defaultPollTimeout),
		UploadTimeout:   secondsOr(m.UploadTimeout, defaultUploadTimeout),
		DownloadTimeout: secondsOr(m.DownloadTimeout, defaultDownloadTimeout),
		InitTimeout:     secondsOr(m.InitTimeout, defaultInitTimeout),
	}
}

func secondsOr(v *int, def time.Duration) time.Duration {
	if v == nil {
		return def
	}
	return time.Duration(*v) * time.Second
}
