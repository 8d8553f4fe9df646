/*
Copyright 2025 The Kubernetes Authors.

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

package server

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	uberzap "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/prerender-dev/prerender/pkg/common/observability/logging"
	"github.com/prerender-dev/prerender/pkg/prerender/memory"
	"github.com/prerender-dev/prerender/pkg/prerender/types"
)

const (
	DefaultHTTPPort     = 8080
	ZapLogLevelFlagName = "zap-log-level"
)

// envFlags maps environment variables to the flags they override when the flag is not set on the command line.
var envFlags = map[string]string{
	"PRERENDER_HTTP_PORT":        "http-port",
	"PRERENDER_GRPC_HEALTH_PORT": "grpc-health-port",
	"PRERENDER_METRICS_PORT":     "metrics-port",
	"PRERENDER_CONFIG_FILE":      "config-file",
	"PRERENDER_JOURNAL_PATH":     "journal-path",
	"PRERENDER_SECURE_SERVING":   "secure-serving",
}

// Options contains configuration values necessary to create and run the prerender daemon.
type Options struct {
	//
	// Serving.
	//
	HTTPPort       int    // Port of the HTTP control API.
	GRPCHealthPort int    // The port used for gRPC liveness and readiness probes.
	MetricsPort    int    // The port the Prometheus metrics endpoint is exposed on.
	SecureServing  bool   // Enables TLS on the HTTP control API.
	CertPath       string // Directory holding tls.crt and tls.key. A self-signed certificate is used when empty.
	EnablePprof    bool   // Enables pprof handlers on the metrics port.
	//
	// Registry.
	//
	ConfigFile         string               // The path to the registry configuration file.
	ConfigText         string               // The registry configuration specified as text, in lieu of a file.
	InitialVisibility  string               // Visibility of the container when the daemon starts.
	ActivationTimeout  time.Duration        // Upper bound on how long an activation request may stay deferred.
	JournalPath        string               // Directory of the event journal. Empty keeps the journal in memory.
	MaxRedirects       int                  // Redirect hops allowed in a candidate's initial navigation.
	MaxBodyBytes       int64                // Bytes of a candidate document read before it counts as loaded.
	MemoryWatcher      memory.WatcherConfig // Sampling interval and pressure thresholds.
	DisableMemoryWatch bool                 // Disables the system memory pressure watcher.
	//
	// Diagnostics.
	//
	LogVerbosity int         // Number for the log level verbosity.
	ZapOptions   zap.Options // Zap logging options
	Tracing      bool        // Enables emitting traces.

	// internal
	fs *pflag.FlagSet // FlagSet used in AddFlags() and consulted in Complete()
}

// NewOptions returns a new Options struct initialized with the default values.
func NewOptions() *Options {
	return &Options{
		HTTPPort:          DefaultHTTPPort,
		GRPCHealthPort:    9003,
		MetricsPort:       9090,
		EnablePprof:       true,
		InitialVisibility: types.VisibilityVisible.String(),
		ActivationTimeout: 10 * time.Second,
		MaxRedirects:      20,
		MaxBodyBytes:      16 << 20,
		MemoryWatcher:     memory.DefaultWatcherConfig(),
		LogVerbosity:      logging.DEFAULT,
		ZapOptions:        zap.Options{Development: true},
		Tracing:           false,
	}
}

func (opts *Options) AddFlags(fs *pflag.FlagSet) {
	if fs == nil {
		fs = pflag.CommandLine
	}
	opts.fs = fs

	fs.IntVar(&opts.HTTPPort, "http-port", opts.HTTPPort, "Port of the HTTP control API.")
	fs.IntVar(&opts.GRPCHealthPort, "grpc-health-port", opts.GRPCHealthPort,
		"The port used for gRPC liveness and readiness probes.")
	fs.IntVar(&opts.MetricsPort, "metrics-port", opts.MetricsPort, "The port the Prometheus metrics endpoint is exposed on.")
	fs.BoolVar(&opts.SecureServing, "secure-serving", opts.SecureServing, "Enables TLS on the HTTP control API.")
	fs.StringVar(&opts.CertPath, "cert-path", opts.CertPath,
		"The path to the certificate for secure serving. The certificate and private key files "+
			"are assumed to be named tls.crt and tls.key, respectively. If not set, and secureServing is enabled, "+
			"then a self-signed certificate is used.")
	fs.BoolVar(&opts.EnablePprof, "enable-pprof", opts.EnablePprof,
		"Enables pprof handlers on the metrics port.")
	fs.StringVar(&opts.ConfigFile, "config-file", opts.ConfigFile, "The path to the registry configuration file.")
	fs.StringVar(&opts.ConfigText, "config-text", opts.ConfigText,
		"The registry configuration specified as text, in lieu of a file.")
	fs.StringVar(&opts.InitialVisibility, "initial-visibility", opts.InitialVisibility,
		"Visibility of the container when the daemon starts: Visible, Occluded or Hidden.")
	fs.DurationVar(&opts.ActivationTimeout, "activation-timeout", opts.ActivationTimeout,
		"Upper bound on how long an activation request may stay deferred before it is abandoned.")
	fs.StringVar(&opts.JournalPath, "journal-path", opts.JournalPath,
		"Directory of the LevelDB event journal. If not set, the journal is kept in memory.")
	fs.IntVar(&opts.MaxRedirects, "max-redirects", opts.MaxRedirects,
		"Redirect hops allowed in a candidate's initial navigation.")
	fs.Int64Var(&opts.MaxBodyBytes, "max-body-bytes", opts.MaxBodyBytes,
		"Bytes of a candidate document read before it counts as loaded.")
	fs.DurationVar(&opts.MemoryWatcher.Interval, "memory-poll-interval", opts.MemoryWatcher.Interval,
		"Interval between system memory samples.")
	fs.Float64Var(&opts.MemoryWatcher.ModerateAvailablePercent, "memory-moderate-available-percent",
		opts.MemoryWatcher.ModerateAvailablePercent, "Available-memory share below which pressure is moderate.")
	fs.Float64Var(&opts.MemoryWatcher.CriticalAvailablePercent, "memory-critical-available-percent",
		opts.MemoryWatcher.CriticalAvailablePercent,
		"Available-memory share below which pressure is critical and every candidate is cancelled.")
	fs.BoolVar(&opts.DisableMemoryWatch, "disable-memory-watch", opts.DisableMemoryWatch,
		"Disables the system memory pressure watcher.")
	fs.IntVarP(&opts.LogVerbosity, "v", "v", opts.LogVerbosity, "Number for the log level verbosity.") // allow both --v and -v
	gofs := flag.NewFlagSet("zap", flag.ExitOnError)
	opts.ZapOptions.BindFlags(gofs) // zap expects a standard Go FlagSet and pflag.FlagSet is not compatible.
	fs.AddGoFlagSet(gofs)
	fs.BoolVar(&opts.Tracing, "tracing", opts.Tracing, "Enables emitting traces.")
}

// Complete applies environment overrides for flags not given on the command line, and derives the zap level from -v
// unless --zap-log-level was given.
func (opts *Options) Complete() error {
	for env, name := range envFlags {
		f := opts.fs.Lookup(name)
		if f == nil || f.Changed {
			continue
		}
		if v, ok := os.LookupEnv(env); ok && v != "" {
			if err := opts.fs.Set(name, v); err != nil {
				return fmt.Errorf("invalid value %q for %s - %w", v, env, err)
			}
		}
	}

	zapLogLevelFlag := opts.fs.Lookup(ZapLogLevelFlagName)
	if zapLogLevelFlag != nil && !zapLogLevelFlag.Changed { // not set explicitly
		lvl := -1 * (opts.LogVerbosity) // See https://pkg.go.dev/sigs.k8s.io/controller-runtime/pkg/log/zap#Options.Level
		opts.ZapOptions.Level = uberzap.NewAtomicLevelAt(zapcore.Level(int8(lvl)))
		zapLogLevelFlag.Changed = true
	}
	return nil
}

func (opts *Options) Validate() error {
	if opts.ConfigText != "" && opts.ConfigFile != "" {
		return fmt.Errorf("both the %q and %q flags can not be set at the same time", "config-text", "config-file")
	}
	for name, port := range map[string]int{
		"http-port":        opts.HTTPPort,
		"grpc-health-port": opts.GRPCHealthPort,
		"metrics-port":     opts.MetricsPort,
	} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("invalid port number %d in %q", port, name)
		}
	}
	if opts.HTTPPort != 0 && (opts.HTTPPort == opts.GRPCHealthPort || opts.HTTPPort == opts.MetricsPort) ||
		opts.GRPCHealthPort != 0 && opts.GRPCHealthPort == opts.MetricsPort {
		return errors.New("http-port, grpc-health-port and metrics-port must be distinct")
	}
	if _, err := types.ParseVisibility(opts.InitialVisibility); err != nil {
		return fmt.Errorf("invalid %q flag - %w", "initial-visibility", err)
	}
	if opts.ActivationTimeout <= 0 {
		return fmt.Errorf("flag %q must be positive", "activation-timeout")
	}
	if opts.MaxRedirects < 0 {
		return fmt.Errorf("flag %q must not be negative", "max-redirects")
	}
	if opts.MaxBodyBytes <= 0 {
		return fmt.Errorf("flag %q must be positive", "max-body-bytes")
	}
	return nil
}
