package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/scoky/kssh/internal/worker"
)

// DistributionMode selects a distribution policy.
type DistributionMode string

const (
	Performance DistributionMode = "performance"
	Failover    DistributionMode = "failover"
)

// Options holds the dispatcher's run-level configuration, assembled by the
// CLI layer from flags. Argument parsing itself lives in cmd/kssh, outside
// the core's scope.
type Options struct {
	Inputs            []string
	BlockSize         int
	Shuffle           bool
	MachinesPath      string
	Task              string
	TaskSuccessCode   int
	Distribution      DistributionMode
	TempDirectory     string
	Output            string
	Concurrency       int
	InitFilePath      string
	InitScriptPath    string
	CleanupRemote     bool
}

// ResolveTask returns the task shell fragment, reading it from disk first
// if Task names an existing file rather than a literal fragment.
func (o Options) ResolveTask() (string, error) {
	if o.Task == "" {
		return "cat -", nil
	}
	if fi, err := os.Stat(o.Task); err == nil && !fi.IsDir() {
		data, err := os.ReadFile(o.Task)
		if err != nil {
			return "", fmt.Errorf("reading task file %s: %w", o.Task, err)
		}
		return strings.TrimRight(string(data), "\n"), nil
	}
	return o.Task, nil
}

// DumpMachinesYAML marshals resolved worker configs to YAML, for the `kssh
// machines dump` debug subcommand.
func DumpMachinesYAML(machines []worker.Config) (string, error) {
	type machineDump struct {
		Hostname        string `yaml:"hostname"`
		Username        string `yaml:"username,omitempty"`
		WorkingDir      string `yaml:"wd"`
		ConnectCmd      string `yaml:"connect_cmd,omitempty"`
		PollInterval    string `yaml:"poll_interval"`
		PollTimeout     string `yaml:"poll_timeout"`
		UploadTimeout   string `yaml:"upload_timeout"`
		DownloadTimeout string `yaml:"download_timeout"`
		InitTimeout     string `yaml:"init_timeout"`
	}

	dumps := make([]machineDump, 0, len(machines))
	for _, m := range machines {
		dumps = append(dumps, machineDump{
			Hostname:        m.Hostname,
			Username:        m.Username,
			WorkingDir:      m.WorkingDir,
			ConnectCmd:      m.ConnectCmd,
			PollInterval:    m.PollInterval.String(),
			PollTimeout:     m.PollTimeout.String(),
			UploadTimeout:   m.UploadTimeout.String(),
			DownloadTimeout: m.DownloadTimeout.String(),
			InitTimeout:     m.InitTimeout.String(),
		})
	}

	out, err := yaml.Marshal(dumps)
	if err != nil {
		return "", fmt.Errorf("marshaling machines to yaml: %w", err)
	}
	return string(out), nil
}
