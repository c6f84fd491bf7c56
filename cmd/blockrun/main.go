package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	daemon "github.com/sevlyar/go-daemon"

	"github.com/blockrun/blockrun/internal/catalog"
	"github.com/blockrun/blockrun/internal/config"
	"github.com/blockrun/blockrun/internal/dedup"
	"github.com/blockrun/blockrun/internal/gateway"
	"github.com/blockrun/blockrun/internal/llm"
	. "github.com/blockrun/blockrun/internal/logging"
	"github.com/blockrun/blockrun/internal/paths"
	"github.com/blockrun/blockrun/internal/session"
	"github.com/blockrun/blockrun/internal/usage"
)

// version is overridden at build time via -ldflags.
var version = "0.1.0"

var cli struct {
	Serve   serveCmd   `cmd:"" default:"1" help:"Run the gateway (default)."`
	Init    initCmd    `cmd:"" help:"Write a starter config file."`
	Config  configCmd  `cmd:"" help:"Show the active config file."`
	Version versionCmd `cmd:"" help:"Print the version and exit."`
}

type versionCmd struct{}

func (versionCmd) Run() error {
	fmt.Printf("blockrun %s\n", version)
	return nil
}

// starterConfig is what `blockrun init` writes. Everything not listed
// here falls back to built-in defaults, so the file stays small enough
// to read in one screen.
const starterConfig = `{
  "providers": [
    {
      "id": "openrouter",
      "kind": "openai",
      "priority": 10,
      "baseUrl": "https://openrouter.ai/api",
      "auth": { "kind": "apiKey", "apiKeyEnv": "OPENROUTER_API_KEY" }
    }
  ],
  "log": { "level": "info" }
}
`

type initCmd struct {
	Config string `short:"c" type:"path" help:"Destination (default ~/.blockrun/config.json)."`
	Force  bool   `help:"Overwrite an existing config."`
}

func (c *initCmd) Run() error {
	path := c.Config
	if path == "" {
		path = config.DefaultPath()
	}

	if _, err := os.Stat(path); err == nil && !c.Force {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
	}
	if err := paths.EnsureParentDir(path); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(starterConfig), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("Wrote %s\n", path)
	fmt.Println("Set OPENROUTER_API_KEY (or edit the auth block), then run: blockrun serve")
	return nil
}

type configCmd struct {
	Config string `short:"c" env:"BLOCKRUN_CONFIG" type:"path" help:"Config file (default ~/.blockrun/config.json)."`
}

func (c *configCmd) Run() error {
	path := resolveConfigPath(c.Config)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		fmt.Printf("No config file at %s; built-in defaults are in effect.\n", path)
		fmt.Println("Run 'blockrun init' to create one.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	fmt.Printf("# %s\n", path)
	var pretty map[string]any
	if jerr := json.Unmarshal(data, &pretty); jerr == nil {
		if out, merr := json.MarshalIndent(pretty, "", "  "); merr == nil {
			fmt.Println(string(out))
			return nil
		}
	}
	fmt.Println(string(data))
	return nil
}

type serveCmd struct {
	Config string `short:"c" env:"BLOCKRUN_CONFIG" type:"path" help:"Config file (default ~/.blockrun/config.json)."`
	Daemon bool   `short:"d" help:"Detach and run in the background."`
}

func (c *serveCmd) Run() error {
	if c.Daemon {
		dir := runtimeDir()
		dctx := &daemon.Context{
			PidFileName: filepath.Join(dir, "blockrun.pid"),
			PidFilePerm: 0o644,
			LogFileName: filepath.Join(dir, "blockrun.log"),
			LogFilePerm: 0o640,
			Umask:       0o027,
		}
		child, err := dctx.Reborn()
		if err != nil {
			return fmt.Errorf("daemonize: %w", err)
		}
		if child != nil {
			fmt.Printf("blockrun started, pid %d\n", child.Pid)
			return nil
		}
		defer dctx.Release()
	}
	return serve(c.Config)
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("blockrun"),
		kong.Description("Local gateway that routes OpenAI-compatible chat requests to the cheapest capable model."),
		kong.UsageOnError(),
	)
	kctx.FatalIfErrorf(kctx.Run())
}

func serve(configPath string) error {
	// A .env next to the binary is a dev convenience; absence is normal.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	Init(&Config{
		Level:      ParseLevel(cfg.Log.Level),
		ShowCaller: cfg.Log.ShowCaller == nil || *cfg.Log.ShowCaller,
	})
	llm.SetDumpUpstream(cfg.Log.DumpUpstream)
	llm.SetVersion(version)

	L_info("blockrun starting", "version", version, "port", cfg.Proxy.Port)

	cat, err := catalog.Load()
	if err != nil {
		return err
	}
	L_info("main: catalog loaded", "models", cat.Len())

	servable := cat.ServableModels()
	known := make([]string, 0, len(servable))
	for _, m := range servable {
		known = append(known, m.ID)
	}
	pricing := func(id string) (llm.Pricing, bool) {
		m, ok := cat.Get(id)
		if !ok {
			return llm.Pricing{}, false
		}
		return llm.Pricing{InputPerM: m.InputPricePerMillion, OutputPerM: m.OutputPricePerMillion}, true
	}

	registry, err := llm.BuildRegistry(cfg.Providers, pricing, known)
	if err != nil {
		return err
	}
	initCtx, cancelInit := context.WithTimeout(context.Background(), 10*time.Second)
	registry.InitializeAll(initCtx)
	cancelInit()
	defer registry.CleanupAll()

	sessions := session.NewStore(cfg.Session)
	defer sessions.Close()

	deduper := dedup.New(time.Duration(cfg.Dedup.TTLMs) * time.Millisecond)
	defer deduper.Close()

	recorder := usage.NewRecorder(cfg.Usage)
	defer recorder.Close()

	srv, err := gateway.NewServer(cfg, gateway.Deps{
		Catalog:  cat,
		Registry: registry,
		Sessions: sessions,
		Dedup:    deduper,
		Usage:    recorder,
		Balance:  gateway.NewSpendCapPolicy(cfg.Balance),
		Version:  version,
	})
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	// Edits to the routing section of the config apply without a restart;
	// listener and provider changes still need one.
	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	if watcher, werr := config.NewWatcher(resolveConfigPath(configPath), func(next *config.Config) {
		if rerr := srv.ReloadRouting(next.Routing); rerr != nil {
			L_warn("main: routing reload rejected, keeping previous", "error", rerr)
			return
		}
		SetLevel(ParseLevel(next.Log.Level))
		llm.SetDumpUpstream(next.Log.DumpUpstream)
	}); werr != nil {
		L_warn("main: config watcher unavailable", "error", werr)
	} else {
		if werr := watcher.Start(watchCtx); werr != nil {
			L_warn("main: config watch failed", "error", werr)
		}
		defer watcher.Stop()
	}

	L_info("blockrun ready", "addr", srv.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	L_info("blockrun shutting down", "signal", sig.String())
	SetShuttingDown()

	return srv.Stop()
}

// resolveConfigPath mirrors config.Load's lookup order so the watcher
// points at the same file.
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv(config.EnvConfigPath); env != "" {
		return env
	}
	return config.DefaultPath()
}

// runtimeDir returns ~/.blockrun, creating it if needed. Pid and log
// files fall back to the working directory when the home dir is
// unavailable.
func runtimeDir() string {
	dir, err := paths.BaseDir()
	if err != nil {
		return "."
	}
	if err := paths.EnsureDir(dir); err != nil {
		return "."
	}
	return dir
}
