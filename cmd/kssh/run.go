package main

import (
	"bufio"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/scoky/kssh/internal/block"
	"github.com/scoky/kssh/internal/config"
	"github.com/scoky/kssh/internal/dispatcher"
	"github.com/scoky/kssh/internal/fsio"
	"github.com/scoky/kssh/internal/klog"
	"github.com/scoky/kssh/internal/metrics"
	"github.com/scoky/kssh/internal/worker"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Dispatch a workload across the configured worker fleet",
	RunE:  runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringArray("input", nil, "One or more inputs (files, directories, globs, or - for stdin)")
	f.Int("blocksize", 1000, "Lines per block in lines mode")
	f.Bool("shuffle", false, "Shuffle the ordering of sources before dispatch")
	f.String("machines", ".machines", "Path to the machines JSON config")
	f.String("task", "cat -", "Shell fragment, or path to a file containing one")
	f.Int("task-success-code", 0, "Exit code counted as success")
	f.String("distribution-mode", "performance", "performance|failover")
	f.String("temp-directory", ".", "Local temp root")
	f.String("output", "", "Output file or directory; defaults to stdout in lines mode")
	f.Int("concurrency", 10, "Transaction executor's max in-flight")
	f.String("init-file", "", "Optional file to broadcast to every worker before dispatch")
	f.String("init-script", "", "Optional script to broadcast and run on every worker before dispatch")
	f.Bool("cleanup-remote", false, "Remove the contents of each worker's working directory after dispatch")
	f.String("metrics-addr", "", "If set, serve Prometheus metrics at this address (e.g. :9090)")
}

func runRun(cmd *cobra.Command, _ []string) error {
	f := cmd.Flags()
	inputs, _ := f.GetStringArray("input")
	blockSize, _ := f.GetInt("blocksize")
	shuffle, _ := f.GetBool("shuffle")
	machinesPath, _ := f.GetString("machines")
	task, _ := f.GetString("task")
	successCode, _ := f.GetInt("task-success-code")
	distMode, _ := f.GetString("distribution-mode")
	tempDir, _ := f.GetString("temp-directory")
	output, _ := f.GetString("output")
	concurrency, _ := f.GetInt("concurrency")
	initFile, _ := f.GetString("init-file")
	initScript, _ := f.GetString("init-script")
	cleanupRemote, _ := f.GetBool("cleanup-remote")
	metricsAddr, _ := f.GetString("metrics-addr")

	opts := config.Options{
		Inputs:          inputs,
		BlockSize:       blockSize,
		Shuffle:         shuffle,
		MachinesPath:    machinesPath,
		Task:            task,
		TaskSuccessCode: successCode,
		Distribution:    config.DistributionMode(distMode),
		TempDirectory:   tempDir,
		Output:          output,
		Concurrency:     concurrency,
		InitFilePath:    initFile,
		InitScriptPath:  initScript,
		CleanupRemote:   cleanupRemote,
	}

	taskCmd, err := opts.ResolveTask()
	if err != nil {
		return err
	}

	machineCfgs, err := config.LoadMachines(opts.MachinesPath)
	if err != nil {
		return err
	}
	workers := make([]*worker.Worker, 0, len(machineCfgs))
	for _, c := range machineCfgs {
		workers = append(workers, worker.New(c))
	}

	key := dispatcher.NewRunKey()
	logger := klog.WithRunKey(key)
	logger.Info().Int("workers", len(workers)).Msg("loaded machines")

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		logger.Info().Str("addr", metricsAddr).Msg("serving metrics")
	}

	temps := fsio.NewTempRegistry(opts.TempDirectory)
	defer temps.Cleanup()

	lineMode := isLineMode(opts.Inputs)

	src, err := buildSource(opts, lineMode, temps)
	if err != nil {
		return err
	}
	defer src.Close()

	var writer fsio.Writer
	if lineMode {
		writer, err = fsio.NewLineWriter(opts.Output, key)
	} else {
		if opts.Output == "" {
			return fmt.Errorf("--output is required (and must be a directory) in file mode")
		}
		writer, err = fsio.NewFileWriter(opts.Output)
	}
	if err != nil {
		return err
	}
	defer writer.Close()

	if opts.InitFilePath != "" {
		workers = dispatcher.RunInitFile(workers, opts.InitFilePath, opts.Concurrency)
	}
	if opts.InitScriptPath != "" {
		workers = dispatcher.RunInitScript(workers, opts.InitScriptPath, opts.Concurrency)
	}

	policy, err := buildPolicy(opts.Distribution, src)
	if err != nil {
		return err
	}

	d := &dispatcher.Dispatcher{
		Workers:         workers,
		Source:          src,
		Policy:          policy,
		Writer:          writer,
		Temps:           temps,
		Task:            taskCmd,
		TaskSuccessCode: opts.TaskSuccessCode,
		Concurrency:     opts.Concurrency,
		Key:             key,
	}
	d.Run()

	if opts.CleanupRemote {
		dispatcher.CleanupRemote(workers, opts.Concurrency)
	}

	logger.Info().Msg("dispatch complete")
	return nil
}

func buildPolicy(mode config.DistributionMode, src block.Source) (dispatcher.Policy, error) {
	switch mode {
	case config.Failover:
		total, err := src.Len()
		if err != nil {
			return nil, fmt.Errorf("failover mode requires a source that supports len(): %w", err)
		}
		return dispatcher.FailoverPolicy{Total: total}, nil
	default:
		return dispatcher.PerformancePolicy{}, nil
	}
}

// isLineMode reports whether inputs should be read as a single line stream:
// true iff exactly one input is given and it's stdin or a non-directory
// file.
func isLineMode(inputs []string) bool {
	if len(inputs) != 1 {
		return false
	}
	if inputs[0] == "-" {
		return true
	}
	fi, err := os.Stat(inputs[0])
	if err != nil {
		return false
	}
	return !fi.IsDir()
}

func buildSource(opts config.Options, lineMode bool, temps *fsio.TempRegistry) (block.Source, error) {
	if lineMode {
		return buildLineSource(opts, temps)
	}
	return buildFileSource(opts, temps)
}

func buildLineSource(opts config.Options, temps *fsio.TempRegistry) (block.Source, error) {
	if opts.Inputs[0] == "-" {
		if opts.Shuffle {
			path, err := shuffleStream(os.Stdin, temps)
			if err != nil {
				return nil, err
			}
			f, err := os.Open(path)
			if err != nil {
				return nil, err
			}
			return block.NewLineSource(f, path, opts.BlockSize, temps), nil
		}
		return block.NewLineSource(os.Stdin, "", opts.BlockSize, temps), nil
	}

	path := opts.Inputs[0]
	if opts.Shuffle {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		shuffled, err := shuffleStream(f, temps)
		f.Close()
		if err != nil {
			return nil, err
		}
		path = shuffled
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return block.NewLineSource(f, path, opts.BlockSize, temps), nil
}

func buildFileSource(opts config.Options, temps *fsio.TempRegistry) (block.Source, error) {
	paths, err := resolveInputs(opts.Inputs)
	if err != nil {
		return nil, err
	}
	if opts.Shuffle {
		rand.Shuffle(len(paths), func(i, j int) { paths[i], paths[j] = paths[j], paths[i] })
	}
	return block.NewFileSource(paths), nil
}

// resolveInputs expands directories to their immediate children and globs
// plain strings.
func resolveInputs(inputs []string) ([]string, error) {
	var out []string
	for _, in := range inputs {
		fi, err := os.Stat(in)
		if err == nil && fi.IsDir() {
			entries, err := os.ReadDir(in)
			if err != nil {
				return nil, fmt.Errorf("reading directory %s: %w", in, err)
			}
			for _, e := range entries {
				if !e.IsDir() {
					out = append(out, filepath.Join(in, e.Name()))
				}
			}
			continue
		}
		matches, err := filepath.Glob(in)
		if err != nil {
			return nil, fmt.Errorf("invalid glob %q: %w", in, err)
		}
		if len(matches) == 0 {
			out = append(out, in)
			continue
		}
		out = append(out, matches...)
	}
	sort.Strings(out)
	return out, nil
}

// shuffleStream reads all lines into memory, shuffles them, and spills the
// result to a fresh temp file.
func shuffleStream(r *os.File, temps *fsio.TempRegistry) (string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	rand.Shuffle(len(lines), func(i, j int) { lines[i], lines[j] = lines[j], lines[i] })

	path, err := temps.CreateTemp()
	if err != nil {
		return "", err
	}
	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer out.Close()

	w := bufio.NewWriter(out)
	for _, line := range lines {
		if _, err := w.WriteString(line); err != nil {
			return "", err
		}
		if _, err := w.WriteString("\n"); err != nil {
			return "", err
		}
	}
	if err := w.Flush(); err != nil {
		return "", err
	}
	return path, nil
}
