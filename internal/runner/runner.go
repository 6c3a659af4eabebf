// Package runner launches agent worker containers when a scale-up decision
// is executed and retires them on scale-down. Workers connect back over NATS
// and register their agents themselves.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"github.com/meshwork/plexus/internal/config"
)

const (
	labelPrefix = "plexus"
	networkName = "plexus-net"
)

type Runner struct {
	docker      *client.Client
	cfg         config.RunnerConfig
	natsURL     string
	mu          sync.RWMutex
	active      map[string]*WorkerInfo // workerID → container
	networkName string
}

type WorkerInfo struct {
	ID        string    `json:"id"`
	WorkerID  string    `json:"worker_id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

func New(cfg config.RunnerConfig, natsURL string) (*Runner, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	return &Runner{
		docker:  docker,
		cfg:     cfg,
		natsURL: natsURL,
		active:  make(map[string]*WorkerInfo),
	}, nil
}

func (r *Runner) ensureNetwork(ctx context.Context) error {
	if r.networkName != "" {
		return nil
	}

	_, err := r.docker.NetworkInspect(ctx, networkName, network.InspectOptions{})
	if err == nil {
		r.networkName = networkName
		return nil
	}

	_, err = r.docker.NetworkCreate(ctx, networkName, network.CreateOptions{
		Driver: "bridge",
	})
	if err != nil {
		return fmt.Errorf("create network %s: %w", networkName, err)
	}
	r.networkName = networkName
	slog.Info("created docker network", "network", networkName)
	return nil
}

// ScaleUp launches one worker container, implementing the coordinator's
// scale executor.
func (r *Runner) ScaleUp(ctx context.Context) error {
	_, err := r.StartWorker(ctx)
	return err
}

// ScaleDown retires the worker container behind the given server. The
// worker ID a container was launched with is the server ID its agents
// register under.
func (r *Runner) ScaleDown(ctx context.Context, serverID string) error {
	r.mu.RLock()
	_, ok := r.active[serverID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no worker container for server %s", serverID)
	}
	return r.StopWorker(ctx, serverID)
}

func (r *Runner) StartWorker(ctx context.Context) (*WorkerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.active) >= r.cfg.MaxWorkers {
		return nil, fmt.Errorf("max workers (%d) reached", r.cfg.MaxWorkers)
	}

	if err := r.ensureNetwork(ctx); err != nil {
		return nil, err
	}

	workerID := fmt.Sprintf("worker-%s", uuid.New().String()[:8])
	containerName := fmt.Sprintf("plexus-%s", workerID)

	// Remove any stale container with the same name
	timeout := 5
	_ = r.docker.ContainerStop(ctx, containerName, dockercontainer.StopOptions{Timeout: &timeout})
	_ = r.docker.ContainerRemove(ctx, containerName, dockercontainer.RemoveOptions{Force: true})

	env := []string{
		fmt.Sprintf("NATS_URL=%s", r.natsURL),
		fmt.Sprintf("WORKER_ID=%s", workerID),
	}

	containerCfg := &dockercontainer.Config{
		Image: r.cfg.Image,
		Env:   env,
		Labels: map[string]string{
			labelPrefix + ".managed": "true",
			labelPrefix + ".worker":  workerID,
		},
	}

	hostCfg := &dockercontainer.HostConfig{
		NetworkMode: dockercontainer.NetworkMode(r.networkName),
	}

	resp, err := r.docker.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, containerName)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	if err := r.docker.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	info := &WorkerInfo{
		ID:        resp.ID,
		WorkerID:  workerID,
		Name:      containerName,
		Status:    "running",
		StartedAt: time.Now(),
	}
	r.active[workerID] = info

	slog.Info("worker container started", "worker", workerID, "container", resp.ID[:12])
	return info, nil
}

func (r *Runner) StopWorker(ctx context.Context, workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.active[workerID]
	if !ok {
		return nil
	}

	timeout := 10
	if err := r.docker.ContainerStop(ctx, info.ID, dockercontainer.StopOptions{Timeout: &timeout}); err != nil {
		slog.Warn("failed to stop container gracefully", "container", info.ID[:12], "error", err)
	}

	if err := r.docker.ContainerRemove(ctx, info.ID, dockercontainer.RemoveOptions{Force: true}); err != nil {
		slog.Warn("failed to remove container", "container", info.ID[:12], "error", err)
	}

	delete(r.active, workerID)
	slog.Info("worker container stopped", "worker", workerID)
	return nil
}

func (r *Runner) StopAll(ctx context.Context) {
	r.mu.RLock()
	workerIDs := make([]string, 0, len(r.active))
	for id := range r.active {
		workerIDs = append(workerIDs, id)
	}
	r.mu.RUnlock()

	for _, id := range workerIDs {
		_ = r.StopWorker(ctx, id)
	}
}

func (r *Runner) ListRunning() []WorkerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]WorkerInfo, 0, len(r.active))
	for _, info := range r.active {
		result = append(result, *info)
	}
	return result
}

func (r *Runner) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// CleanupStale removes labeled containers left over from a previous process.
func (r *Runner) CleanupStale(ctx context.Context) error {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", labelPrefix+".managed=true")

	containers, err := r.docker.ContainerList(ctx, dockercontainer.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}

	r.mu.RLock()
	activeIDs := make(map[string]bool)
	for _, info := range r.active {
		activeIDs[info.ID] = true
	}
	r.mu.RUnlock()

	for _, c := range containers {
		if !activeIDs[c.ID] {
			slog.Info("cleaning up stale container", "container", c.ID[:12])
			_ = r.docker.ContainerRemove(ctx, c.ID, dockercontainer.RemoveOptions{Force: true})
		}
	}
	return nil
}

func (r *Runner) BuildImage(ctx context.Context) error {
	return BuildWorkerImage(ctx, r.docker, r.cfg.Image)
}
