package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jazzdanger/nudge-me/internal/alarm"
	"github.com/jazzdanger/nudge-me/internal/calendar"
	"github.com/jazzdanger/nudge-me/internal/config"
	"github.com/jazzdanger/nudge-me/internal/geofence"
	"github.com/jazzdanger/nudge-me/internal/hydration"
	appLog "github.com/jazzdanger/nudge-me/internal/log"
	"github.com/jazzdanger/nudge-me/internal/notify"
	"github.com/jazzdanger/nudge-me/internal/service"
	"github.com/jazzdanger/nudge-me/internal/store"
	appSync "github.com/jazzdanger/nudge-me/internal/sync"
	"github.com/jazzdanger/nudge-me/internal/web"
)

type flagConfig struct {
	configPath string
	listen     string
	once       bool
	syncNow    bool
	debug      bool
}

func main() {
	appLog.Info("nudged starting", "version", "0.1.0-dev")

	flags := parseFlags()
	if flags.debug {
		appLog.SetLevel(appLog.LevelDebug)
	}

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	if conf.Timezone != "" {
		loc, err := time.LoadLocation(conf.Timezone)
		if err != nil {
			appLog.Error("invalid timezone, using local", err, "timezone", conf.Timezone)
		} else {
			time.Local = loc
		}
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"data_dir", conf.DataDir,
		"sync_cron", conf.SyncCron,
		"horizon_months", conf.SyncHorizonMonths,
		"exact_alarms", conf.ExactAlarms,
		"hydration", conf.Hydration.Enabled,
		"calendar_count", len(conf.Calendars),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	st, err := store.New(conf.DBPath())
	if err != nil {
		appLog.Error("failed to open database", err, "path", conf.DBPath())
		os.Exit(1)
	}
	defer st.Close()

	sinks := []notify.Sink{notify.LogSink{}}
	if conf.Notify.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(conf.Notify.WebhookURL))
	}
	presenter := notify.New(sinks...)

	alarms := alarm.New(func(f alarm.Firing) {
		presenter.PresentAlarm(f.Title, f.Notes)
	}, conf.ExactAlarms)
	defer alarms.Close()

	geo := geofence.New(func(ev geofence.Event) {
		presenter.PresentGeofence(ev.Title, ev.Actual, ev.Intended)
	}, geofence.Permissions{
		Foreground: conf.Location.ForegroundGranted,
		Background: conf.Location.BackgroundGranted,
	})

	if conf.Hydration.Enabled {
		water := hydration.New(presenter)
		if err := water.Start(conf.Hydration.Cron); err != nil {
			appLog.Error("failed to start hydration reminders", err)
			os.Exit(1)
		}
		defer water.Stop()
	}

	svc := service.New(st, alarms, geo)
	if err := svc.Rebind(); err != nil {
		appLog.Error("rebinding stored registrations failed", err)
	}

	calClient := calendar.NewClient(conf.FeedCacheDir(), time.Local)

	var job *appSync.Job
	feeds := configuredFeeds(conf)
	if len(feeds) > 0 {
		job = appSync.New(calClient, alarms, feeds, conf.SyncHorizonMonths)
		if flags.syncNow || flags.once {
			if err := job.Run(ctx); err != nil {
				appLog.Error("initial sync failed", err)
				if flags.once {
					os.Exit(1)
				}
			}
		}
		if flags.once {
			appLog.Info("single sync pass done, exiting")
			return
		}
		if err := job.Start(ctx, conf.SyncCron); err != nil {
			appLog.Error("failed to start sync job", err)
			os.Exit(1)
		}
		defer job.Stop()
	} else {
		appLog.Info("no calendar feeds configured, sync disabled")
		if flags.once {
			return
		}
	}

	var runner web.SyncRunner
	if job != nil {
		runner = job
	}
	server := web.NewServer(conf, st, svc, geo, calClient, runner)
	if err := web.StartServer(ctx, server); err != nil {
		appLog.Error("HTTP server failed", err)
		os.Exit(1)
	}

	appLog.Info("nudged exiting")
}

func configuredFeeds(conf *config.Config) []calendar.Feed {
	feeds := make([]calendar.Feed, 0, len(conf.Calendars))
	for _, c := range conf.Calendars {
		if c.URL == "" {
			continue
		}
		id := c.ID
		if id == "" {
			if c.Name != "" {
				id = c.Name
			} else {
				id = c.URL
			}
		}
		feeds = append(feeds, calendar.Feed{
			ID:      id,
			URL:     c.URL,
			Name:    c.Name,
			Primary: c.Primary,
		})
	}
	return feeds
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/nudged/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run a single calendar sync pass and exit")
	flag.BoolVar(&cfg.syncNow, "sync-now", false, "Run a calendar sync pass before starting")
	flag.BoolVar(&cfg.debug, "debug", false, "Enable debug logging")

	flag.Parse()

	return cfg
}
