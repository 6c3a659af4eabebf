package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nats-io/nats.go"

	"github.com/meshwork/plexus/internal/agentpool"
	"github.com/meshwork/plexus/internal/comms"
	"github.com/meshwork/plexus/internal/config"
	"github.com/meshwork/plexus/internal/delegate"
	"github.com/meshwork/plexus/internal/natsbus"
	"github.com/meshwork/plexus/internal/notify"
	"github.com/meshwork/plexus/internal/routing"
	"github.com/meshwork/plexus/internal/runner"
	"github.com/meshwork/plexus/internal/scheduler"
	"github.com/meshwork/plexus/internal/store"
	"github.com/meshwork/plexus/internal/transport"
	"github.com/meshwork/plexus/internal/vault"
	"github.com/meshwork/plexus/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("plexus %s\n", version)
	case "gateway":
		if err := runGateway(); err != nil {
			slog.Error("gateway failed", "error", err)
			os.Exit(1)
		}
	case "backup":
		if err := runBackup(os.Args[2:]); err != nil {
			slog.Error("backup failed", "error", err)
			os.Exit(1)
		}
	case "restore":
		if err := runRestore(os.Args[2:]); err != nil {
			slog.Error("restore failed", "error", err)
			os.Exit(1)
		}
	case "vault":
		if err := runVault(os.Args[2:]); err != nil {
			slog.Error("vault command failed", "error", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: plexus <command>

Commands:
  gateway    Start the Plexus gateway service
  backup     Archive the data directory to a tar.zst file
  restore    Restore the data directory from a tar.zst file
  vault      Manage server credentials
  version    Print version
`)
}

func runGateway() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting plexus gateway", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", cfg.NATS.Port)

	client, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("init nats client: %w", err)
	}
	defer client.Close()

	// Credential vault (only with a passphrase; tokens stay sealed at rest)
	var creds *vault.Credentials
	if cfg.Vault.Passphrase != "" {
		creds = vault.NewCredentials(vault.New(cfg.Vault.Passphrase), db)
	}

	// Message router over the selected transport
	tr, bindTable := selectTransport(cfg, client, creds)
	router := routing.New(tr, cfg.Routing)
	if bindTable != nil {
		bindTable(router.Table())
	}
	router.SetEvents(client)
	go router.StartHealthLoop(ctx)

	// Agent registry + task coordinator
	registry := agentpool.NewRegistry()
	registry.OnStatusChange(func(agentID string, from, to agentpool.Status) {
		_ = client.PublishEvent(natsbus.TopicEventsAgent(agentID), "agent_status_changed", map[string]any{
			"agent": agentID,
			"from":  string(from),
			"to":    string(to),
		})
	})

	coord := delegate.NewCoordinator(registry, router, cfg.Coordinator)
	coord.SetEvents(client)
	coord.SetArchiver(db)
	go coord.Monitor(ctx)

	// Container runner for elastic worker capacity
	if cfg.Runner.Enabled {
		run, err := runner.New(cfg.Runner, bus.ClientURL())
		if err != nil {
			return fmt.Errorf("init runner: %w", err)
		}
		if err := run.CleanupStale(ctx); err != nil {
			slog.Warn("stale worker cleanup failed", "error", err)
		}
		coord.SetScaleExecutor(run)
		defer run.StopAll(context.Background())
		slog.Info("container runner enabled", "image", cfg.Runner.Image)
	}

	// Communication facade
	svc := comms.New(router, coord, cfg.Comms)

	// Worker-facing NATS subscriptions
	if err := subscribeWorkers(client, router, coord); err != nil {
		return fmt.Errorf("subscribe worker topics: %w", err)
	}

	// Scheduler for recurring delegations
	sched := scheduler.New(db, svc, cfg.Scheduler)
	go sched.Start(ctx)
	slog.Info("scheduler started")

	// Operator alerts
	notifier, err := notify.New(cfg.Notify)
	if err != nil {
		return fmt.Errorf("init notifier: %w", err)
	}
	if notifier != nil {
		if err := notifier.Watch(ctx, client); err != nil {
			return fmt.Errorf("start alert watcher: %w", err)
		}
	} else {
		slog.Warn("telegram token not set, alerts disabled")
	}

	// Web API
	if cfg.Web.Enabled {
		srv := web.NewServer(svc, db, bus, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()

	return nil
}

// selectTransport picks the server delivery mechanism. NATS inbox topics are
// the default; PLEXUS_TRANSPORT=http switches to endpoint-based HTTP delivery
// with bearer tokens from the credential vault. The HTTP resolver reads
// endpoints from the routing table, which exists only after the router is
// built, so the table is bound via the returned callback.
func selectTransport(cfg *config.Config, client *natsbus.Client, creds *vault.Credentials) (transport.Transport, func(*routing.Table)) {
	if os.Getenv("PLEXUS_TRANSPORT") != "http" {
		return transport.NewNATS(client, cfg.Routing.DeliveryTimeout), nil
	}

	slog.Info("using http transport")
	var src transport.CredentialSource
	if creds != nil {
		src = creds
	}

	var table *routing.Table
	resolve := func(serverID string) (string, bool) {
		if table == nil {
			return "", false
		}
		e, ok := table.Get(serverID)
		if !ok || len(e.Endpoints) == 0 {
			return "", false
		}
		return e.Endpoints[0], true
	}
	return transport.NewHTTP(resolve, src, cfg.Routing.DeliveryTimeout), func(t *routing.Table) { table = t }
}

// subscribeWorkers wires the topics workers use to talk back to the gateway:
// registration, task results and heartbeats.
func subscribeWorkers(client *natsbus.Client, router *routing.Router, coord *delegate.Coordinator) error {
	_, err := client.Subscribe(natsbus.TopicAgentRegister, func(msg *nats.Msg) {
		var agent agentpool.SubAgent
		if err := json.Unmarshal(msg.Data, &agent); err != nil {
			slog.Warn("invalid agent registration", "error", err)
			return
		}
		if _, ok := router.Table().Get(agent.ServerID); !ok {
			_ = router.Table().Upsert(routing.Entry{ServerID: agent.ServerID})
		}
		if err := coord.RegisterAgent(agent); err != nil {
			slog.Warn("agent registration rejected", "agent", agent.AgentID, "error", err)
			return
		}
		if msg.Reply != "" {
			_ = msg.Respond([]byte(`{"ok":true}`))
		}
	})
	if err != nil {
		return err
	}

	_, err = client.Subscribe(natsbus.TopicAgentResultAll, func(msg *nats.Msg) {
		var res struct {
			TaskID       string         `json:"task_id"`
			Result       map[string]any `json:"result"`
			QualityScore float64        `json:"quality_score"`
			Error        string         `json:"error"`
		}
		if err := json.Unmarshal(msg.Data, &res); err != nil {
			slog.Warn("invalid task result", "subject", msg.Subject, "error", err)
			return
		}
		coord.CompleteTask(res.TaskID, res.Result, res.QualityScore, res.Error)
	})
	if err != nil {
		return err
	}

	_, err = client.Subscribe(natsbus.TopicAgentHeartbeats, func(msg *nats.Msg) {
		agentID := subjectToken(msg.Subject, 1)
		if agentID == "" {
			return
		}
		if err := coord.AgentHeartbeat(agentID); err != nil {
			slog.Debug("heartbeat from unknown agent", "agent", agentID)
		}
	})
	return err
}

// subjectToken returns the nth dot-separated token of a NATS subject.
func subjectToken(subject string, n int) string {
	parts := strings.Split(subject, ".")
	if n < 0 || n >= len(parts) {
		return ""
	}
	return parts[n]
}
