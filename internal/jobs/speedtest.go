package jobs

import (
	"context"
	"fmt"
	"sort"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"
)

// SpeedtestConfig tunes the speedtest.net client.
type SpeedtestConfig struct {
	SavingMode     bool
	MaxConnections int
}

// Speedtest discovers servers through speedtest.net.
type Speedtest struct {
	cfg SpeedtestConfig
}

func NewSpeedtest(cfg SpeedtestConfig) *Speedtest {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 4
	}
	return &Speedtest{cfg: cfg}
}

func (s *Speedtest) Closest(ctx context.Context, n int) ([]Target, error) {
	// A fresh client per run; speedtest-go keeps state on the client.
	c := st.New(st.WithUserConfig(&st.UserConfig{
		SavingMode:     s.cfg.SavingMode,
		MaxConnections: s.cfg.MaxConnections,
	}))
	c.SetNThread(s.cfg.MaxConnections)

	servers, err := c.FetchServerListContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	if n > len(servers) {
		n = len(servers)
	}
	out := make([]Target, 0, n)
	for _, srv := range servers[:n] {
		out = append(out, &speedtestTarget{client: c, srv: srv})
	}
	return out, nil
}

type speedtestTarget struct {
	client *st.Speedtest
	srv    *st.Server
}

func (t *speedtestTarget) Name() string {
	if t.srv.Country == "" {
		return t.srv.Sponsor
	}
	return fmt.Sprintf("%s (%s)", t.srv.Sponsor, t.srv.Country)
}

func (t *speedtestTarget) Ping(ctx context.Context) (time.Duration, error) {
	if err := t.srv.PingTestContext(ctx, nil); err != nil {
		return 0, err
	}
	if t.srv.Latency <= 0 {
		return 0, fmt.Errorf("no latency sample")
	}
	return t.srv.Latency, nil
}

func (t *speedtestTarget) Download(ctx context.Context) (float64, error) {
	defer func() {
		// Drop per-test snapshots early.
		t.client.Snapshots().Clean()
		t.client.Reset()
	}()
	if err := t.srv.DownloadTestContext(ctx); err != nil {
		return 0, err
	}
	return t.srv.DLSpeed.Mbps(), nil
}
