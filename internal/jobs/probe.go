package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

const (
	ProbeID            = "network_probe"
	DefaultProbeServer = 3
	maxProbeServers    = 20
)

// Target is one measurable server.
type Target interface {
	Name() string
	Ping(ctx context.Context) (time.Duration, error)
	// Download returns the measured throughput in Mbps.
	Download(ctx context.Context) (float64, error)
}

// Discoverer lists the n closest servers.
type Discoverer interface {
	Closest(ctx context.Context, n int) ([]Target, error)
}

// Probe pings the closest servers one at a time and optionally runs a
// download test against the fastest. Unreachable servers are failed items.
//
// Config:
//
//	servers:  how many servers to ping (default 3, max 20)
//	download: run a download test against the best server (default false)
type Probe struct {
	task.Hooks
	disc Discoverer
}

func NewProbe(disc Discoverer) *Probe { return &Probe{disc: disc} }

type probeConfig struct {
	servers  int
	download bool
}

func parseProbeConfig(cfg map[string]any) (probeConfig, error) {
	n, err := intField(cfg, "servers", DefaultProbeServer, 1, maxProbeServers)
	if err != nil {
		return probeConfig{}, err
	}
	dl, err := boolField(cfg, "download", false)
	if err != nil {
		return probeConfig{}, err
	}
	return probeConfig{servers: n, download: dl}, nil
}

func (p *Probe) ValidateConfig(cfg map[string]any) error {
	_, err := parseProbeConfig(cfg)
	return err
}

func (p *Probe) Execute(ctx context.Context, run *task.Run) (task.Result, error) {
	cfg, err := parseProbeConfig(run.Config())
	if err != nil {
		return task.Result{}, err
	}
	if p.disc == nil {
		return task.Result{}, errors.New("no server discoverer configured")
	}
	log := run.Logger()

	run.SetProgress(0, 0, "discovering servers")
	targets, err := p.disc.Closest(ctx, cfg.servers)
	if err != nil {
		return task.Result{}, fmt.Errorf("discover servers: %w", err)
	}
	if len(targets) == 0 {
		return task.Result{}, errors.New("no servers available")
	}

	total := len(targets)
	if cfg.download {
		total++
	}
	run.SetProgress(0, total, "pinging")

	latencies := map[string]any{}
	var best Target
	var bestLatency time.Duration
	for _, t := range targets {
		if err := run.CheckCancelled(); err != nil {
			return task.Result{Details: map[string]any{"latency_ms": latencies}}, err
		}
		name := t.Name()
		run.SetItem(name)
		lat, err := t.Ping(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return task.Result{Details: map[string]any{"latency_ms": latencies}}, ctx.Err()
			}
			log.Debug("server unreachable", logx.String("server", name), logx.Err(err))
			run.IncrementProgress(task.ItemFailed, name)
			continue
		}
		latencies[name] = lat.Milliseconds()
		run.IncrementProgress(task.ItemSucceeded, name)
		if best == nil || lat < bestLatency {
			best, bestLatency = t, lat
		}
	}

	details := map[string]any{"latency_ms": latencies}
	if best == nil {
		return task.Result{Success: false, Message: "no server reachable", Details: details}, nil
	}
	details["best_server"] = best.Name()
	details["best_latency_ms"] = bestLatency.Milliseconds()
	msg := fmt.Sprintf("best server %s at %s", best.Name(), bestLatency.Round(time.Millisecond))

	if cfg.download {
		if err := run.CheckCancelled(); err != nil {
			return task.Result{Details: details}, err
		}
		run.SetProgress(run.Progress().Current, total, "download test")
		item := "download " + best.Name()
		run.SetItem(item)
		mbps, err := best.Download(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return task.Result{Details: details}, ctx.Err()
		case err != nil:
			log.Warn("download test failed", logx.String("server", best.Name()), logx.Err(err))
			run.IncrementProgress(task.ItemFailed, item)
			msg += "; download test failed: " + err.Error()
		default:
			run.IncrementProgress(task.ItemSucceeded, item)
			details["download_mbps"] = mbps
			msg += fmt.Sprintf("; download %.1f Mbps", mbps)
		}
	}

	return task.Result{Success: true, Message: msg, Details: details}, nil
}
