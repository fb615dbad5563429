// Copyright 2025 Matthew Gall <me@matthewgall.dev>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"
)

func main() {
	var configPath, username, password, clientID, clientSecret string
	var daemon, webUI, debug, showVersion, once bool
	var webPort, interval int

	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.StringVar(&username, "user", "", "SmartData account username")
	flag.StringVar(&password, "password", "", "SmartData account password")
	flag.StringVar(&clientID, "client-id", "", "OAuth client ID")
	flag.StringVar(&clientSecret, "client-secret", "", "OAuth client secret")
	flag.BoolVar(&daemon, "daemon", false, "Run in daemon mode (continuous polling)")
	flag.BoolVar(&webUI, "web", false, "Enable web UI and API (daemon mode only)")
	flag.IntVar(&webPort, "port", 8080, "Web UI port (default: 8080)")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.IntVar(&interval, "interval", 0, "Meter poll interval in minutes")
	flag.BoolVar(&once, "once", false, "Poll every meter once, print a table and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("vasmeter %s\n", GetVersion())
		fmt.Printf("User-Agent: %s\n", GetUserAgent())
		os.Exit(0)
	}

	config, err := LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Command line flags override config file and environment
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "user":
			config.Username = username
		case "password":
			config.Password = password
		case "client-id":
			config.ClientID = clientID
		case "client-secret":
			config.ClientSecret = clientSecret
		case "daemon":
			config.Daemon = daemon
		case "web":
			config.WebUI = webUI
		case "port":
			config.WebPort = webPort
		case "debug":
			config.Debug = debug
		case "interval":
			config.PollInterval = interval
		}
	})
	if once {
		config.Daemon = false
		config.WebUI = false
	}
	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n\n", err)
		fmt.Fprintf(os.Stderr, "Usage: %s -user=<username> -password=<password> -client-id=<id> -client-secret=<secret>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Or set environment variables: VAS_USERNAME, VAS_PASSWORD, VAS_CLIENT_ID and VAS_CLIENT_SECRET\n")
		fmt.Fprintf(os.Stderr, "Or use a configuration file with -config=<path>\n")
		flag.PrintDefaults()
		os.Exit(1)
	}

	var logger *Logger
	if config.JSONLogs {
		logger = NewJSONLogger(config.Debug)
	} else {
		logger = NewLogger(config.Debug)
	}

	if err := run(config, logger); err != nil {
		logger.Error("Exiting", "error", err.Error())
		os.Exit(1)
	}
}

func run(config *Config, logger *Logger) error {
	statePath := config.StateFile
	if statePath == "" {
		p, err := DefaultStateFilePath(config.Username)
		if err != nil {
			return err
		}
		statePath = p
	}

	state, err := LoadState(statePath)
	if err != nil {
		logger.Warn("Failed to load state, starting fresh", "error", err.Error())
		state = NewAppState()
	}

	var publishers []StatePublisher
	if config.RedisAddr != "" {
		pub, err := NewRedisPublisher(config.RedisAddr, config.RedisPassword, config.RedisDB, config.RedisTTLDuration())
		if err != nil {
			// the mirror is optional, polling works without it
			logger.Warn("Redis mirror disabled", "error", err.Error())
		} else {
			publishers = append(publishers, pub)
		}
	}

	app := NewApp(config, logger, AppOptions{
		Publishers: publishers,
		State:      state,
		StatePath:  statePath,
	})
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting VAS SmartData meter poller",
		"version", GetVersion(),
		"username", maskIdentifier(config.Username),
		"meter_mode", config.MeterMode,
		"poll_interval_minutes", config.PollInterval,
	)

	if err := app.Setup(ctx); err != nil {
		if IsAuthError(err) {
			logger.UserMessage("Check the SmartData username, password and OAuth client credentials")
		}
		return err
	}

	if !config.Daemon {
		printMeterTable(os.Stdout, app)
		printAlerts(ctx, os.Stdout, app)
		app.SaveState()
		return nil
	}

	var web *WebServer
	if config.WebUI {
		web = NewWebServer(app, config.WebPort)
		logger.Info("Web UI enabled", "url", fmt.Sprintf("http://localhost:%d", config.WebPort))
	}

	logger.Info("Running in daemon mode - continuous polling")
	return app.Run(ctx, web)
}

func printMeterTable(out io.Writer, app *App) {
	views := app.MeterViews()
	if len(views) == 0 {
		fmt.Fprintln(out, "No meters found")
		return
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "METER\tNUMBER\tREADING\tTEMPERATURE\tINSTALLED\tLAST UPDATE\tAGE")
	now := time.Now()
	for _, v := range views {
		reading, temperature, lastUpdate, age := "-", "-", "-", "-"
		installed := v.Identity.Installed()
		if v.State != nil {
			reading = FormatReading(v.State.Reading, "m³")
			temperature = FormatReading(v.State.Temperature, "°C")
			installed = v.State.Installed
			lastUpdate = v.State.LastUpdate
			age = formatAge(now.Sub(v.State.FetchedAt))
		}
		if v.Status.LastErrorClass != "" {
			age += " (" + v.Status.LastErrorClass + " error)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
			v.Identity.MeterID, v.Identity.MeterNumber, reading, temperature, installed, lastUpdate, age)
	}
	tw.Flush()
}

func printAlerts(ctx context.Context, out io.Writer, app *App) {
	alerts, err := app.Client.FetchAlerts(ctx)
	if err != nil {
		app.Logger.LogAPIError(err, PathAlertData)
		return
	}
	if len(alerts) == 0 {
		return
	}

	fmt.Fprintf(out, "\n%d alert(s):\n", len(alerts))
	for _, alert := range alerts {
		keys := make([]string, 0, len(alert))
		for k := range alert {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+alert.Get(k))
		}
		fmt.Fprintf(out, "  - %s\n", strings.Join(parts, " "))
	}
}
