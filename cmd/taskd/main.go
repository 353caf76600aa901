package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"taskd/internal/app"
	"taskd/pkg/systemd"
)

func main() {
	var cfgPath, envFiles string
	flag.StringVar(&cfgPath, "config", "./taskd.yaml", "path to config file (yaml or json)")
	flag.StringVar(&envFiles, "env", ".env", "comma-separated dotenv files; missing files are ignored")
	flag.Parse()

	loadEnv(envFiles)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}
	log := a.Logger()
	systemd.Ready(log)
	wctx, stopWatchdog := context.WithCancel(ctx)
	go systemd.Watchdog(wctx, log)

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}
	stopWatchdog()
	systemd.Stopping(log)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Minute)
	defer stopCancel()
	stopErr := a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		fmt.Fprintln(os.Stderr, "fatal:", errors.Join(a.Err(), stopErr))
		os.Exit(1)
	}
	if stopErr != nil {
		fmt.Fprintln(os.Stderr, "stop:", stopErr)
		os.Exit(1)
	}
}

func loadEnv(list string) {
	var files []string
	for _, f := range strings.Split(list, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if _, err := os.Stat(f); err == nil {
			files = append(files, f)
		}
	}
	if len(files) == 0 {
		return
	}
	if err := godotenv.Load(files...); err != nil {
		fmt.Fprintln(os.Stderr, "warning: load env:", err)
	}
}
