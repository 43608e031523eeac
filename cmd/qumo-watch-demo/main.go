// Command qumo-watch-demo exercises the watch-side pipeline end to end
// against a real MoQ relay, using the fake platform in place of a
// browser engine. It logs when it starts watching and when it shuts
// down; it does not log signal transitions. It is a smoke-test harness,
// not a polished player.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/okdaichi/qumo-watch/moqtransport"
	"github.com/okdaichi/qumo-watch/platform/fakeplatform"
	"github.com/okdaichi/qumo-watch/source"
	"github.com/okdaichi/qumo-watch/watch"
)

type config struct {
	RelayAddr string        `yaml:"relayAddr"`
	Path      string        `yaml:"path"`
	Latency   time.Duration `yaml:"latency"`
	Reload    bool          `yaml:"reload"`
	Enabled   bool          `yaml:"enabled"`
	SourceURL string        `yaml:"sourceURL"`
}

func loadConfig(path string) (config, error) {
	cfg := config{
		RelayAddr: "https://localhost:4443/",
		Path:      "live/demo",
		Latency:   500 * time.Millisecond,
		Enabled:   true,
		SourceURL: "qumo-watch-demo://pipeline",
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("qumo-watch-demo", flag.ContinueOnError)
	configPath := fs.String("config", "config.watch.yaml", "path to config file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("load config failed", "error", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client := &moqtransport.Client{}
	defer client.Close()

	conn, err := client.Dial(ctx, cfg.RelayAddr)
	if err != nil {
		slog.Error("dial relay failed", "error", err, "addr", cfg.RelayAddr)
		return 1
	}
	defer conn.Close()

	b, err := watch.Open(ctx, cfg.Path, watch.Deps{
		Connection:      conn,
		Platform:        fakeplatform.New(),
		DecodableCodecs: nil, // nil means every codec is treated as decodable
		SourceURL:       cfg.SourceURL,
	}, watch.Config{
		Enabled: cfg.Enabled,
		Latency: cfg.Latency,
		Reload:  cfg.Reload,
		Target:  source.Target{},
	})
	if err != nil {
		slog.Error("open broadcast failed", "error", err, "path", cfg.Path)
		return 1
	}
	defer b.Close()

	slog.Info("watching broadcast", "path", cfg.Path, "relay", cfg.RelayAddr)
	<-ctx.Done()
	slog.Info("shutting down")
	return 0
}
