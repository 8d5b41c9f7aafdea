package main

import (
	"context"
	"os"
	"syscall"
	"time"

	"github.com/amazonlinux/bottlerocket/strapper/pkg/advertise"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/config"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/logging"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/metrics"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/model"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/reconcile"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/sigcontext"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/store"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/supervisor"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/svcmgr"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/svcmgr/dryrun"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/svcmgr/systemd"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/transport"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
)

// version is set at build time.
var version = "dev"

func main() {
	os.Exit(_main())
}

func _main() int {
	code := supervisor.ExitOK
	app := &cli.App{
		Name:    "strapper",
		Usage:   "bootstrap this node and keep its units in the state the coordinator asks for",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to the configuration file", Value: config.DefaultPath},
			&cli.StringFlag{Name: "endpoint", Usage: "coordinator address, overrides the configuration"},
			&cli.StringFlag{Name: "state-dir", Usage: "directory holding applied state, overrides the configuration"},
			&cli.StringFlag{Name: "node-name", Usage: "name this node reports to the coordinator"},
			&cli.BoolFlag{Name: "dry-run", Usage: "log service manager actions instead of performing them"},
			&cli.BoolFlag{Name: "debug", Usage: "log at debug level"},
		},
		Action: func(c *cli.Context) error {
			code = run(c)
			return nil
		},
	}
	if err := app.Run(os.Args); err != nil {
		logging.New("main").WithError(err).Error("invalid invocation")
		return supervisor.ExitUsage
	}
	return code
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	var cfg *config.Config
	if _, err := os.Stat(path); os.IsNotExist(err) && !c.IsSet("config") {
		cfg = config.Default()
	} else {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if c.IsSet("endpoint") {
		cfg.Coordinator.Endpoint = c.String("endpoint")
	}
	if c.IsSet("state-dir") {
		cfg.StateDir = c.String("state-dir")
	}
	if c.IsSet("node-name") {
		cfg.NodeName = c.String("node-name")
	}
	if c.Bool("dry-run") {
		cfg.ServiceManager.Kind = config.ManagerDryRun
	}
	if c.Bool("debug") {
		cfg.LogLevel = "debug"
	}
	return cfg, cfg.Validate()
}

func run(c *cli.Context) int {
	logging.Set(logging.SplitOutput())
	log := logging.New("main")

	cfg, err := loadConfig(c)
	if err != nil {
		log.WithError(err).Error("unable to configure agent")
		return supervisor.ExitUsage
	}
	logging.Set(logging.Level(cfg.LogLevel))
	logging.Set(logging.Format(cfg.LogFormat))

	// "debuggable" builds at runtime produce extensive logging output compared
	// to release builds with the debug flag enabled. This requires building and
	// using a distinct build in the deployment in order to use.
	if logging.Debuggable {
		log.Info("low-level logging.Debuggable is enabled in this build")
		log.Warn("logging.Debuggable produces large volumes of logs")
		delay := 3 * time.Second
		log.WithField("delay", delay).Warn("delaying start due to logging.Debuggable build")
		time.Sleep(delay)
		log.Info("starting logging.Debuggable enabled build")
	}

	ctx, cancel := sigcontext.WithSignalCancel(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err = runAgent(ctx, cfg)
	code := supervisor.ExitCode(err)
	if err != nil {
		log.WithError(err).WithField("exit", code).Error("agent stopped")
	} else {
		log.Info("agent stopped")
	}
	return code
}

func runAgent(ctx context.Context, cfg *config.Config) error {
	log := logging.New("main")

	st, err := store.Open(cfg.StateDir)
	if err != nil {
		return err
	}
	if quarantined, err := st.Quarantined(); err == nil && len(quarantined) > 0 {
		log.WithField("files", quarantined).Warn("state directory holds quarantined files")
	}

	bootstrap, err := loadBootstrap(cfg.BootstrapState)
	if err != nil {
		return err
	}

	mgr := serviceManager(cfg.ServiceManager)
	defer svcmgr.Close(mgr)
	if err := svcmgr.Preflight(ctx, mgr); err != nil {
		return errors.WithMessage(err, "service manager unavailable")
	}

	registry := prometheus.NewRegistry()
	recorder := metrics.NewPrometheusRecorder(registry)
	engine := reconcile.New(st, mgr, reconcile.WithRecorder(recorder))

	tcfg, err := transportConfig(cfg)
	if err != nil {
		return &supervisor.UsageError{Err: err}
	}
	tcfg.LastVersion = engine.LastBegun
	client := transport.New(tcfg, transport.WithRecorder(recorder))

	sup := supervisor.New(supervisor.Config{
		Bootstrap:     bootstrap,
		MetricsListen: cfg.Metrics.Listen,
		Registry:      registry,
	}, engine, client, st)
	return sup.Run(ctx)
}

// loadBootstrap reads the bootstrap desired state, a missing file means
// there is none.
func loadBootstrap(path string) (*model.DesiredState, error) {
	if path == "" {
		return nil, nil
	}
	ds, err := config.LoadDesiredState(path)
	if os.IsNotExist(errors.Cause(err)) {
		logging.New("main").WithField("path", path).Info("no bootstrap state")
		return nil, nil
	}
	if err != nil {
		return nil, &supervisor.StartupError{Err: err}
	}
	return ds, nil
}

func serviceManager(cfg config.ServiceManager) svcmgr.Manager {
	if cfg.Kind == config.ManagerDryRun {
		return dryrun.New()
	}
	return systemd.New(systemd.Options{
		Socket:       cfg.Socket,
		UnitDir:      cfg.UnitDir,
		ApplyTimeout: cfg.ApplyTimeout.Duration,
	})
}

func transportConfig(cfg *config.Config) (transport.Config, error) {
	coord := cfg.Coordinator
	tcfg := transport.Config{
		Endpoint:          coord.Endpoint,
		NodeName:          cfg.NodeName,
		AgentVersion:      version,
		ConnectTimeout:    coord.ConnectTimeout.Duration,
		RPCTimeout:        coord.RPCTimeout.Duration,
		KeepaliveInterval: coord.KeepaliveInterval.Duration,
		DrainTimeout:      coord.DrainTimeout.Duration,
		BackoffInitial:    coord.BackoffInitial.Duration,
		BackoffMax:        coord.BackoffMax.Duration,
		ReportQueue:       coord.ReportQueue,
	}
	if !coord.Insecure {
		tlsConfig, err := transport.LoadTLS(transport.TLSFiles{
			CAFile:     coord.CAFile,
			CertFile:   coord.CertFile,
			KeyFile:    coord.KeyFile,
			ServerName: coord.ServerName,
		})
		if err != nil {
			return tcfg, err
		}
		tcfg.TLS = tlsConfig
	}
	if !cfg.Advertise.Disabled {
		tcfg.Advertise = advertise.New(advertise.Config{
			ExcludeInterfaces: cfg.Advertise.Patterns(),
			HostKeys:          cfg.Advertise.HostKeys,
		}).Describe
	}
	return tcfg, nil
}
