// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

// Package unit owns the process scaffolding a deployable throttle
// service needs: lifecycle and signals, the Prometheus /metrics
// endpoint, and the OTLP trace exporter. The service itself is a
// Runnable; the unit hands it a logger, a metrics registerer, and a
// tracer provider, then blocks until the process is told to stop.
//
// Configuration comes from an optional YAML file passed with
// -cfg-file. The file is split in sections: "unit" configures the
// scaffolding, and a section named after the service fills the struct
// a Configurable service exposes.
package unit

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/throttle/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"sigs.k8s.io/yaml"
)

type (
	// Unit ties a Runnable to its process scaffolding.
	Unit struct {
		name        string
		version     string
		environment string

		logger *log.Logger
		config *Config
		main   Runnable
	}

	// Runnable is the service entry point. Run must block until ctx
	// is cancelled and return nil on a clean stop.
	Runnable interface {
		Run(context.Context, *log.Logger, prometheus.Registerer, trace.TracerProvider) error
	}

	// Configurable is implemented by Runnables that take options
	// from the config file. GetConfiguration returns a pointer the
	// unit unmarshals the service section into before Run is called.
	Configurable interface {
		GetConfiguration() any
	}

	// Config is the "unit" section of the config file.
	Config struct {
		Metrics MetricsConfig `json:"metrics"`
		Tracing TracingConfig `json:"tracing"`
	}
)

// NewUnit creates a unit running main under the given service name.
// The name doubles as the config file section the service reads from.
func NewUnit(name, version, environment string, main Runnable) *Unit {
	return &Unit{
		name:        name,
		version:     version,
		environment: environment,
		main:        main,
		logger: log.NewLogger(
			log.WithName(name),
			log.WithAttributes(
				log.String("version", version),
				log.String("environment", environment),
			),
		),
		config: &Config{
			Metrics: defaultMetricsConfig(),
			Tracing: defaultTracingConfig(),
		},
	}
}

// Run executes the unit until the process receives SIGINT or SIGTERM.
func (u *Unit) Run() error {
	return u.RunContext(context.Background())
}

// RunContext executes the unit until parentCtx is cancelled or a
// termination signal arrives. The metrics server and the trace
// exporter are brought up first; the Runnable only starts once both
// are ready, so it never observes a half-initialized unit.
func (u *Unit) RunContext(parentCtx context.Context) error {
	cfgFile := flag.String("cfg-file", "", "the path of the configuration file")
	printCfg := flag.Bool("print-cfg", false, "print the loaded cfg and exit")
	showVersion := flag.Bool("version", false, "show the service version")

	flag.Parse()

	if *showVersion {
		fmt.Printf("version: %s\n", u.version)
		return nil
	}

	if *cfgFile != "" {
		if err := u.loadConfigFile(*cfgFile); err != nil {
			return fmt.Errorf("cannot load configuration from %q file: %w", *cfgFile, err)
		}
	}

	if *printCfg {
		return u.printConfiguration()
	}

	logger := u.logger.Named("unit")

	ctx, cancel := context.WithCancelCause(parentCtx)
	defer cancel(context.Canceled)

	otel.SetErrorHandler(&otelErrorHandler{logger: logger, ctx: ctx})

	var (
		wg sync.WaitGroup

		registererCh = make(chan prometheus.Registerer)
		tracingCh    = make(chan trace.TracerProvider)
	)

	telemetryCtx, stopTelemetry := context.WithCancel(context.Background())
	defer stopTelemetry()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := u.serveMetrics(telemetryCtx, registererCh); err != nil {
			cancel(fmt.Errorf("metrics server crashed: %w", err))
		}

		logger.Info("metrics server shutdown")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := u.exportTraces(telemetryCtx, tracingCh); err != nil {
			cancel(fmt.Errorf("traces exporter crashed: %w", err))
		}

		logger.Info("traces exporter shutdown")
	}()

	var registerer prometheus.Registerer
	var tracerProvider trace.TracerProvider

	select {
	case registerer = <-registererCh:
	case <-ctx.Done():
		return context.Cause(ctx)
	}

	select {
	case tracerProvider = <-tracingCh:
	case <-ctx.Done():
		return context.Cause(ctx)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()

		if err := u.main.Run(ctx, u.logger, registerer, tracerProvider); err != nil {
			cancel(err)
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	// Telemetry is torn down after the Runnable observes the
	// cancellation so the last spans and scrapes are not lost.
	stopTelemetry()
	wg.Wait()

	return context.Cause(ctx)
}

func (u *Unit) printConfiguration() error {
	config := map[string]any{"unit": u.config}
	if configurable, ok := u.main.(Configurable); ok {
		config[u.name] = configurable.GetConfiguration()
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "\t")

	return encoder.Encode(config)
}

func (u *Unit) loadConfigFile(filename string) error {
	blob, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("cannot read file: %w", err)
	}

	blob, err = yaml.YAMLToJSON(blob)
	if err != nil {
		return fmt.Errorf("cannot convert yaml to json: %w", err)
	}

	sections := map[string]json.RawMessage{}
	if err := json.Unmarshal(blob, &sections); err != nil {
		return fmt.Errorf("cannot decode file: %w", err)
	}

	if section, ok := sections["unit"]; ok {
		if err := json.Unmarshal(section, u.config); err != nil {
			return fmt.Errorf("cannot decode %q config section: %w", "unit", err)
		}
	}

	configurable, ok := u.main.(Configurable)
	if !ok {
		return nil
	}

	if section, ok := sections[u.name]; ok {
		if err := json.Unmarshal(section, configurable.GetConfiguration()); err != nil {
			return fmt.Errorf("cannot decode %q config section: %w", u.name, err)
		}
	}

	return nil
}
