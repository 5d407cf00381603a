// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package app

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/DataDog/mtp-gateway/pkg/alarms"
	"github.com/DataDog/mtp-gateway/pkg/broadcast"
	"github.com/DataDog/mtp-gateway/pkg/gatewayconfig"
	"github.com/DataDog/mtp-gateway/pkg/history"
	"github.com/DataDog/mtp-gateway/pkg/opcuaserver"
	"github.com/DataDog/mtp-gateway/pkg/persistence"
	"github.com/DataDog/mtp-gateway/pkg/pidfile"
	"github.com/DataDog/mtp-gateway/pkg/service"
	"github.com/DataDog/mtp-gateway/pkg/status/health"
	"github.com/DataDog/mtp-gateway/pkg/tag"
	"github.com/DataDog/mtp-gateway/pkg/tagmanager"
	"github.com/DataDog/mtp-gateway/pkg/util/log"
	"github.com/DataDog/mtp-gateway/pkg/webui"
)

const (
	diagnosticsInterval = 5 * time.Second
	pruneInterval       = time.Hour
)

var (
	runCmd = &cobra.Command{
		Use:   "run <config>",
		Short: "Run the gateway",
		Long:  `Runs the gateway in the foreground until SIGINT or SIGTERM.`,
		Args:  cobra.ExactArgs(1),
		RunE:  run,
	}

	flagOverrides []string
	flagLogLevel  string
	flagLogFormat string
	flagPidfile   string
)

func init() {
	runCmd.Flags().StringArrayVarP(&flagOverrides, "override", "o", nil, "config override as key=value, repeatable")
	runCmd.Flags().StringVar(&flagLogLevel, "log-level", "", "override the configured log level")
	runCmd.Flags().StringVar(&flagLogFormat, "log-format", "", "override the configured log format (text or json)")
	runCmd.Flags().StringVarP(&flagPidfile, "pidfile", "p", "", "path to the pid file")

	GatewayCmd.AddCommand(runCmd)
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := gatewayconfig.Load(args[0], flagOverrides...)
	if err != nil {
		return err
	}

	level := cfg.Gateway.LogLevel
	if flagLogLevel != "" {
		level = flagLogLevel
	}
	format := cfg.Gateway.LogFormat
	if flagLogFormat != "" {
		format = flagLogFormat
	}
	if err := log.SetupLoggerFromConfig(level, format); err != nil {
		return err
	}

	if err := cfg.Validate(false); err != nil {
		return log.Errorf("invalid configuration: %v", err)
	}

	if flagPidfile != "" {
		if err := pidfile.WritePID(flagPidfile); err != nil {
			return log.Errorf("could not write pid file: %v", err)
		}
		defer pidfile.Remove(flagPidfile)
		log.Infof("pid %d written to %s", os.Getpid(), flagPidfile)
	}

	mainCtx, mainCtxCancel := context.WithCancel(context.Background())
	defer mainCtxCancel()

	log.Infof("starting gateway %s (%s)", cfg.Gateway.Name, cfg.Gateway.Version)

	// southbound: safety controller, connectors, tag table
	safetyCtl := cfg.SafetyController()
	tm := tagmanager.NewManager(tagmanager.WithSafety(safetyCtl))
	tagsByConn, err := cfg.BuildTags()
	if err != nil {
		return err
	}
	for _, cc := range cfg.Connectors {
		conn, err := gatewayconfig.BuildConnector(cc)
		if err != nil {
			return err
		}
		interval := time.Duration(cc.PollIntervalMs) * time.Millisecond
		if err := tm.AddConnector(conn, interval, tagsByConn[cc.Name]); err != nil {
			return err
		}
	}

	// persistence
	var store *persistence.Store
	var alarmRepo persistence.AlarmRepository
	if cfg.Persistence.Path != "" {
		store, err = persistence.Open(cfg.Persistence.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		alarmRepo = store
		log.Infof("persistence store at %s", cfg.Persistence.Path)
	} else {
		alarmRepo = persistence.NewMemoryAlarmRepository()
		log.Info("no persistence path configured, alarms are in-memory only")
	}

	// alarm engine
	detector := alarms.NewDetector(alarmRepo)
	analog, binary := cfg.AlarmMonitors()
	for _, m := range analog {
		detector.AddAnalogMonitor(m)
	}
	for _, m := range binary {
		detector.AddBinaryMonitor(m)
	}

	// services
	svcOpts := []service.Option{service.WithSafety(safetyCtl)}
	if store != nil {
		svcOpts = append(svcOpts, service.WithStore(store))
	}
	sm := service.NewManager(tm, svcOpts...)
	defs, err := cfg.ServiceDefinitions()
	if err != nil {
		return err
	}
	for _, def := range defs {
		if err := sm.AddService(def); err != nil {
			return err
		}
	}

	// northbound OPC UA address space
	model, err := cfg.PEAModel()
	if err != nil {
		return err
	}
	space, err := opcuaserver.Build(model)
	if err != nil {
		return err
	}
	runtime := opcuaserver.NewRuntime(space, tm, sm)

	// push fan-out
	bcastOpts := []broadcast.Option{}
	if cfg.WebUI.MinUpdateIntervalMs > 0 {
		bcastOpts = append(bcastOpts, broadcast.WithMinInterval(time.Duration(cfg.WebUI.MinUpdateIntervalMs)*time.Millisecond))
	}
	bcast := broadcast.NewBroadcaster(bcastOpts...)

	var recorder *history.Recorder
	if store != nil {
		recorder = history.NewRecorder(store,
			history.WithInclude(cfg.Persistence.HistoryInclude),
			history.WithExclude(cfg.Persistence.HistoryExclude))
	}

	tm.Subscribe(func(name string, v tag.Value) {
		runtime.OnTagUpdate(name, v)
		detector.OnTagUpdate(name, v)
		bcast.PublishTag(name, v)
		if recorder != nil {
			recorder.Record(name, v)
		}
	})
	sm.Subscribe(func(ev service.Event) {
		runtime.OnServiceEvent(ev)
		bcast.PublishService(ev)
	})
	detector.Subscribe(func(e alarms.Event) {
		bcast.PublishAlarm(webui.AlarmNotice{
			Action:    e.Kind,
			AlarmID:   e.Record.ID,
			Source:    e.Record.SourceTag,
			Priority:  e.Record.Priority,
			Message:   e.Record.Message,
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	// OPC UA endpoint
	uaServer := opcuaserver.NewServer(runtime, opcuaserver.Config{Host: cfg.OPCUA.Host, Port: cfg.OPCUA.Port})
	if err := uaServer.Start(mainCtx); err != nil {
		return err
	}
	defer uaServer.Stop()

	// web UI
	var httpSrv *http.Server
	if cfg.WebUI.Enabled {
		accounts := make([]webui.Account, 0, len(cfg.WebUI.Users))
		for _, u := range cfg.WebUI.Users {
			accounts = append(accounts, webui.Account{Username: u.Username, PasswordHash: u.PasswordHash, Role: u.Role})
		}
		ttl := time.Duration(cfg.WebUI.TokenTTLMinutes) * time.Minute
		authn, err := webui.NewAuthenticator(cfg.WebUI.JWTSecret, ttl, accounts)
		if err != nil {
			return err
		}
		ws := webui.NewWSManager()
		bcast.Subscribe(ws.Sink())
		rest := webui.NewServer(webui.Deps{
			Auth:     authn,
			Tags:     tm,
			Services: sm,
			Alarms:   detector,
			History:  historyOrStub(store),
			Health:   tm,
			WS:       ws,
		})
		httpSrv = &http.Server{Addr: cfg.WebUI.Listen, Handler: rest.Router()}
		go func() {
			log.Infof("web ui listening on %s", cfg.WebUI.Listen)
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("web ui server: %v", err)
			}
		}()
	}

	// launch the engines
	if err := tm.Start(mainCtx); err != nil {
		return err
	}
	if err := sm.Start(mainCtx); err != nil {
		return err
	}
	detector.Start(mainCtx)
	bcast.Start(mainCtx)
	if recorder != nil {
		recorder.Start(mainCtx)
	}
	go diagnosticsLoop(mainCtx, runtime, tm, detector)
	if store != nil && cfg.Persistence.RetentionDays > 0 {
		go pruneLoop(mainCtx, store, cfg.Persistence.RetentionDays)
	}

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	sig := <-signalCh
	log.Infof("received %s, shutting down", sig)

	status := health.GetStatus()
	if len(status.Unhealthy) > 0 {
		log.Warnf("some components were unhealthy: %v", status.Unhealthy)
	}

	mainCtxCancel()
	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Warnf("web ui shutdown: %v", err)
		}
	}
	sm.Stop()
	tm.Stop()
	if recorder != nil {
		recorder.Flush()
	}
	log.Info("gateway stopped")
	log.Flush()
	return nil
}

// noHistory serves the history endpoints when no store is configured
type noHistory struct{}

func (noHistory) QueryHistory(string, time.Time, time.Time, int) ([]persistence.HistorySample, error) {
	return nil, nil
}

func (noHistory) QueryAggregated(string, time.Time, time.Time, time.Duration, persistence.Aggregation) ([]persistence.AggregatedPoint, error) {
	return nil, nil
}

func (noHistory) HistoryTags() ([]string, error) { return nil, nil }

func historyOrStub(store *persistence.Store) webui.HistoryAPI {
	if store != nil {
		return store
	}
	return noHistory{}
}

// diagnosticsLoop refreshes the Diagnostics variables on the address space
func diagnosticsLoop(ctx context.Context, rt *opcuaserver.Runtime, tm *tagmanager.Manager, detector *alarms.Detector) {
	ticker := time.NewTicker(diagnosticsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			connected := 0
			healthy := true
			for _, h := range tm.ConnectorHealth() {
				if h.Healthy() {
					connected++
				} else {
					healthy = false
				}
			}
			active := 0
			if records, err := detector.Active(); err == nil {
				active = len(records)
			}
			rt.SetDiagnostics(healthy, connected, active)
		}
	}
}

// pruneLoop enforces the history retention window
func pruneLoop(ctx context.Context, store *persistence.Store, retentionDays int) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
			if n, err := store.PruneHistory(cutoff); err != nil {
				log.Warnf("history prune: %v", err)
			} else if n > 0 {
				log.Debugf("pruned %d history samples older than %s", n, cutoff.Format(time.RFC3339))
			}
		}
	}
}
