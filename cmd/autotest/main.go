package main

import (
	"context"
	"expvar"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/omegaup/autotest/autotest"
	"github.com/omegaup/autotest/broadcaster"
	"github.com/omegaup/autotest/common"
	"github.com/omegaup/autotest/container"
	"github.com/omegaup/autotest/grader"
	"github.com/omegaup/autotest/notifier"
	"github.com/omegaup/autotest/portal"
	"github.com/omegaup/autotest/store"
)

var (
	version    = flag.Bool("version", false, "Print the version and exit")
	insecure   = flag.Bool("insecure", false, "Do not use TLS")
	configPath = flag.String(
		"config",
		"/etc/autotest/config.json",
		"AutoTest configuration file",
	)

	// ProgramVersion is the version of the code from which the binary was built from.
	ProgramVersion string
)

func loadContext() (*common.Context, error) {
	f, err := os.Open(*configPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return common.NewContextFromReader(f)
}

func newDriver(ctx *common.Context) (container.Driver, func(), error) {
	switch ctx.Config.Container.Driver {
	case "docker":
		driver, err := container.NewDockerDriver()
		if err != nil {
			return nil, nil, err
		}
		return driver, func() { driver.Close() }, nil
	case "process":
		return container.NewProcessDriver(), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown container driver %q", ctx.Config.Container.Driver)
}

func newArtifactStore(ctx *common.Context) (grader.ArtifactStore, error) {
	artifacts, err := grader.NewArtifactStore(
		&ctx.Config.Artifacts,
		path.Join(ctx.Config.AutoTest.RuntimePath, "artifacts"),
	)
	if err != nil {
		return nil, err
	}
	if minioStore, ok := artifacts.(*grader.MinIOArtifactStore); ok {
		bucketCtx, cancel := context.WithTimeout(ctx.Context, 30*time.Second)
		defer cancel()
		if err := minioStore.EnsureBucket(bucketCtx); err != nil {
			return nil, err
		}
	}
	return artifacts, nil
}

func newNotifier(ctx *common.Context) autotest.Notifier {
	if ctx.Config.GitHub.DryRun || ctx.Config.GitHub.Token == "" {
		ctx.Log.Warn("feedback will only be logged")
		return &notifier.LogNotifier{Log: ctx.Log.New("component", "notifier")}
	}
	return notifier.NewGitHubNotifier(&ctx.Config.GitHub, ctx.Log.New("component", "notifier"))
}

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("autotest %s\n", ProgramVersion)
		return
	}

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGINT, syscall.SIGTERM)
	reloadChan := make(chan os.Signal, 1)
	signal.Notify(reloadChan, syscall.SIGHUP)

	ctx, err := loadContext()
	if err != nil {
		panic(err)
	}
	defer ctx.Close()
	expvar.Publish("config", &ctx.Config)

	metricsServer := setupMetrics(ctx)

	driver, closeDriver, err := newDriver(ctx)
	if err != nil {
		ctx.Log.Error("Failed to create the container driver", "err", err)
		os.Exit(1)
	}
	defer closeDriver()
	runtime := container.NewRuntime(
		driver,
		ctx.Log.New("component", "container"),
		container.RuntimeOptions{
			GracePeriod: time.Duration(ctx.Config.Container.GracePeriod),
			PageSize:    int(ctx.Config.Container.LogPageSize),
			MaxLogSize:  int(ctx.Config.Container.MaxLogSize),
		},
	)
	expvar.Publish("containers", expvar.Func(func() interface{} {
		return runtime.Ps()
	}))

	artifacts, err := newArtifactStore(ctx)
	if err != nil {
		ctx.Log.Error("Failed to create the artifact store", "err", err)
		os.Exit(1)
	}

	dbCtx, dbCancel := context.WithTimeout(ctx.Context, 30*time.Second)
	dataStore, err := store.Open(dbCtx, &ctx.Config.Db)
	dbCancel()
	if err != nil {
		ctx.Log.Error("Failed to open the database", "driver", ctx.Config.Db.Driver, "err", err)
		os.Exit(1)
	}
	defer dataStore.Close()

	classPortal, err := portal.Load(ctx.Config.Portal.File)
	if err != nil {
		ctx.Log.Error("Failed to load the roster", "err", err)
		os.Exit(1)
	}

	executor := grader.NewExecutor(ctx, runtime, classPortal, artifacts)
	feedbackNotifier := newNotifier(ctx)

	runCtx, runCancel := context.WithCancel(context.Background())
	b := broadcaster.NewBroadcaster(ctx)
	go b.Run(runCtx)

	schedulers := make(map[string]*autotest.AutoTest)
	for _, courseID := range classPortal.CourseIDs() {
		a := autotest.New(ctx, courseID, autotest.Collaborators{
			Store:    dataStore,
			Portal:   classPortal,
			Notifier: feedbackNotifier,
			Executor: executor,
		})
		a.AddListener(b.Listener())
		schedulers[courseID] = a
		go a.Run(runCtx, time.Duration(ctx.Config.AutoTest.TickInterval))
	}
	expvar.Publish("schedulers", expvar.Func(func() interface{} {
		status := make(map[string]*autotest.Status, len(schedulers))
		for courseID, a := range schedulers {
			status[courseID] = a.Status()
		}
		return status
	}))

	var wg sync.WaitGroup
	mux := http.NewServeMux()
	registerHandlers(ctx, mux, schedulers, classPortal, dataStore, b)
	mux.Handle("/debug/", http.DefaultServeMux)
	server := common.RunServer(
		&ctx.Config.TLS,
		mux,
		&wg,
		fmt.Sprintf(":%d", ctx.Config.AutoTest.Port),
		ctx.Config.AutoTest.Proxied || *insecure,
		ctx.Log,
	)

	ctx.Log.Info("autotest started", "version", ProgramVersion, "courses", len(schedulers))
	daemon.SdNotify(false, daemon.SdNotifyReady)

	for {
		select {
		case <-reloadChan:
			// Courses added to the roster need a restart, but existing ones
			// pick up the new configuration right away.
			if err := classPortal.Reload(); err != nil {
				ctx.Log.Error("Failed to reload the roster", "err", err)
			} else {
				ctx.Log.Info("Roster reloaded")
			}
			continue
		case <-stopChan:
		}
		break
	}

	ctx.Log.Info("Shutting down server...")
	daemon.SdNotify(false, daemon.SdNotifyStopping)
	cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	server.Shutdown(cancelCtx)
	metricsServer.Shutdown(cancelCtx)
	cancel()
	wg.Wait()

	runCancel()
	for _, a := range schedulers {
		a.Stop()
	}
	ctx.Log.Info("Waiting for in-flight executions...")
	for _, a := range schedulers {
		a.Wait()
	}

	ctx.Log.Info("Server gracefully stopped.")
}
