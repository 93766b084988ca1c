package container

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drape/drape/internal/common/config"
	"github.com/drape/drape/internal/common/logger"
)

// dockerHost is one configured Docker endpoint. The id ("local" or
// "host:port") doubles as the serverId label on containers it runs.
type dockerHost struct {
	id  string
	cli *client.Client
}

// Driver manages workspace containers across one or more Docker hosts.
type Driver struct {
	hosts  []*dockerHost
	config config.DockerConfig
	paths  config.PathsConfig
	logger *logger.Logger
}

// NewDriver connects to every configured Docker host. Remote hosts use TLS
// when their certificate directory exists and downgrade to plain TCP with a
// warning when it does not.
func NewDriver(cfg config.DockerConfig, paths config.PathsConfig, log *logger.Logger) (*Driver, error) {
	d := &Driver{
		config: cfg,
		paths:  paths,
		logger: log.WithFields(zap.String("component", "container-driver")),
	}

	for _, endpoint := range cfg.DockerHostList() {
		cli, err := newHostClient(endpoint, cfg.CertsDir, d.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create docker client for %s: %w", endpoint, err)
		}
		d.hosts = append(d.hosts, &dockerHost{id: endpoint, cli: cli})
	}

	d.logger.Info("container driver initialized", zap.Int("hosts", len(d.hosts)))
	return d, nil
}

func newHostClient(endpoint, certsDir string, log *logger.Logger) (*client.Client, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}

	if endpoint == "local" {
		opts = append(opts, client.FromEnv)
		return client.NewClientWithOpts(opts...)
	}

	opts = append(opts, client.WithHost("tcp://"+endpoint))

	hostCerts := filepath.Join(certsDir, endpoint)
	if info, err := os.Stat(hostCerts); err == nil && info.IsDir() {
		opts = append(opts, client.WithTLSClientConfig(
			filepath.Join(hostCerts, "ca.pem"),
			filepath.Join(hostCerts, "cert.pem"),
			filepath.Join(hostCerts, "key.pem"),
		))
	} else {
		log.Warn("no TLS material for docker host, using plain TCP",
			zap.String("host", endpoint),
			zap.String("certs_dir", hostCerts))
	}

	return client.NewClientWithOpts(opts...)
}

// Close closes every host connection.
func (d *Driver) Close() error {
	var firstErr error
	for _, h := range d.hosts {
		if err := h.cli.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Ping checks that at least one host is reachable.
func (d *Driver) Ping(ctx context.Context) error {
	var lastErr error
	for _, h := range d.hosts {
		if _, err := h.cli.Ping(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return fmt.Errorf("no docker host reachable: %w", lastErr)
}

// selectHost returns the host running the fewest workspace containers. Ties
// keep configuration order; an unreachable host scores +Inf and is only
// chosen when every host is unreachable.
func (d *Driver) selectHost(ctx context.Context) *dockerHost {
	best := d.hosts[0]
	bestScore := math.MaxInt

	for _, h := range d.hosts {
		score, err := d.countWorkspaces(ctx, h)
		if err != nil {
			d.logger.Warn("docker host unreachable during selection",
				zap.String("host", h.id), zap.Error(err))
			score = math.MaxInt
		}
		if score < bestScore {
			best = h
			bestScore = score
		}
	}
	return best
}

func (d *Driver) countWorkspaces(ctx context.Context, h *dockerHost) (int, error) {
	containers, err := h.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: workspaceFilter(),
	})
	if err != nil {
		return 0, err
	}
	return len(containers), nil
}

func workspaceFilter() filters.Args {
	args := filters.NewArgs()
	args.Add("label", LabelManaged+"=true")
	args.Add("label", LabelRole+"="+RoleWorkspace)
	return args
}

// Create builds and starts a workspace container for a project on the least
// loaded host and returns its record with the agent URL resolved.
func (d *Driver) Create(ctx context.Context, projectID string) (*Record, error) {
	h := d.selectHost(ctx)
	log := d.logger.WithProject(projectID).WithFields(zap.String("host", h.id))

	mounts, err := d.buildMounts(projectID)
	if err != nil {
		return nil, err
	}

	agentPort := nat.Port(fmt.Sprintf("%d/tcp", d.config.AgentPort))
	devPort := nat.Port(fmt.Sprintf("%d/tcp", d.config.DevPort))

	containerCfg := &container.Config{
		Image: d.config.Image,
		Env: []string{
			fmt.Sprintf("AGENT_PORT=%d", d.config.AgentPort),
			"NPM_CONFIG_STORE_DIR=" + PnpmStoreMountPath,
		},
		WorkingDir: ProjectMountPath,
		Labels: map[string]string{
			LabelManaged: "true",
			LabelRole:    RoleWorkspace,
			LabelProject: projectID,
			LabelServer:  h.id,
		},
		ExposedPorts: nat.PortSet{
			agentPort: struct{}{},
			devPort:   struct{}{},
		},
		Healthcheck: &container.HealthConfig{
			Test:        []string{"CMD-SHELL", fmt.Sprintf("curl -fsS http://localhost:%d/health || exit 1", d.config.AgentPort)},
			Interval:    10 * time.Second,
			StartPeriod: 2 * time.Second,
			Retries:     3,
		},
	}

	initProcess := true
	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(d.config.Network),
		SecurityOpt: []string{"no-new-privileges"},
		Init:        &initProcess,
		PortBindings: nat.PortMap{
			// Ephemeral host port for the dev server; the agent port stays
			// network-internal.
			devPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: ""}},
		},
		Resources: container.Resources{
			Memory:   d.config.MemoryBytes,
			CPUQuota: d.config.CPUQuota,
		},
	}

	resp, err := h.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, containerName(projectID))
	if err != nil {
		return nil, fmt.Errorf("failed to create container for project %s: %w", projectID, err)
	}

	if err := h.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = h.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		return nil, fmt.Errorf("failed to start container %s: %w", resp.ID, err)
	}

	record, err := d.inspectOn(ctx, h, resp.ID)
	if err != nil {
		_ = h.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		return nil, err
	}

	log.Info("workspace container started",
		zap.String("container_id", record.ID),
		zap.String("agent_url", record.AgentURL),
		zap.Int("preview_port", record.PreviewPort))

	return record, nil
}

// buildMounts prepares the bind mounts for a workspace. Sources are created
// first: Docker would otherwise create missing directories owned by root.
func (d *Driver) buildMounts(projectID string) ([]mount.Mount, error) {
	projectDir := filepath.Join(d.paths.ProjectsRoot, projectID)
	nextCacheDir := filepath.Join(d.paths.CacheRoot, "next", projectID)

	sources := []string{projectDir, d.paths.PnpmStore, d.paths.CacheRoot, nextCacheDir}
	for _, dir := range sources {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to prepare mount source %s: %w", dir, err)
		}
	}

	return []mount.Mount{
		{Type: mount.TypeBind, Source: projectDir, Target: ProjectMountPath},
		{Type: mount.TypeBind, Source: d.paths.PnpmStore, Target: PnpmStoreMountPath, ReadOnly: true},
		{Type: mount.TypeBind, Source: d.paths.CacheRoot, Target: CacheMountPath},
		{Type: mount.TypeBind, Source: nextCacheDir, Target: ProjectMountPath + "/.next"},
	}, nil
}

// Destroy force-removes a container wherever it lives. A container no host
// knows is already gone and not an error.
func (d *Driver) Destroy(ctx context.Context, containerID string) error {
	var lastErr error
	for _, h := range d.hosts {
		err := h.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		if err == nil {
			d.logger.Info("container removed",
				zap.String("container_id", containerID),
				zap.String("host", h.id))
			return nil
		}
		if client.IsErrNotFound(err) {
			continue
		}
		lastErr = err
	}

	if lastErr != nil {
		return fmt.Errorf("failed to remove container %s: %w", containerID, lastErr)
	}
	return nil
}

// Get inspects a container by id, probing each host.
func (d *Driver) Get(ctx context.Context, containerID string) (*Record, error) {
	for _, h := range d.hosts {
		record, err := d.inspectOn(ctx, h, containerID)
		if err == nil {
			return record, nil
		}
		if client.IsErrNotFound(err) {
			continue
		}
		d.logger.Warn("failed to inspect container",
			zap.String("container_id", containerID),
			zap.String("host", h.id),
			zap.Error(err))
	}
	return nil, ErrNotFound
}

// List returns workspace containers across all hosts. Hosts are queried
// concurrently; an unreachable host is logged and skipped so adoption can
// proceed with what is visible.
func (d *Driver) List(ctx context.Context) ([]*Record, error) {
	var (
		mu      sync.Mutex
		records []*Record
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range d.hosts {
		h := h
		g.Go(func() error {
			containers, err := h.cli.ContainerList(gctx, container.ListOptions{
				All:     true,
				Filters: workspaceFilter(),
			})
			if err != nil {
				d.logger.Warn("failed to list containers on host",
					zap.String("host", h.id), zap.Error(err))
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			for _, ctr := range containers {
				rec := &Record{
					ID:          ctr.ID,
					ProjectID:   ctr.Labels[LabelProject],
					ServerID:    h.id,
					State:       stateFromDocker(ctr.State),
					Image:       ctr.Image,
					CreatedAt:   time.Unix(ctr.Created, 0).UTC(),
					PreviewPort: publicPortFromSummary(ctr.Ports, d.config.DevPort),
				}
				// The agent address must survive adoption or the health
				// probe on reuse always fails.
				if ctr.NetworkSettings != nil {
					rec.AgentURL = d.agentURL(ctr.NetworkSettings.Networks)
				}
				records = append(records, rec)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return records, nil
}

// InitializeNetwork creates the shared bridge network on every host. Safe to
// call repeatedly; existing networks are left alone.
func (d *Driver) InitializeNetwork(ctx context.Context) error {
	for _, h := range d.hosts {
		exists, err := d.networkExists(ctx, h)
		if err != nil {
			d.logger.Warn("failed to check network on host",
				zap.String("host", h.id), zap.Error(err))
			continue
		}
		if exists {
			continue
		}

		_, err = h.cli.NetworkCreate(ctx, d.config.Network, network.CreateOptions{Driver: "bridge"})
		if err != nil {
			if strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("failed to create network %s on %s: %w", d.config.Network, h.id, err)
		}
		d.logger.Info("created workspace network",
			zap.String("network", d.config.Network),
			zap.String("host", h.id))
	}
	return nil
}

func (d *Driver) networkExists(ctx context.Context, h *dockerHost) (bool, error) {
	args := filters.NewArgs()
	args.Add("name", d.config.Network)
	networks, err := h.cli.NetworkList(ctx, network.ListOptions{Filters: args})
	if err != nil {
		return false, err
	}
	for _, n := range networks {
		// The name filter matches substrings; check exactly.
		if n.Name == d.config.Network {
			return true, nil
		}
	}
	return false, nil
}

func (d *Driver) inspectOn(ctx context.Context, h *dockerHost, containerID string) (*Record, error) {
	inspect, err := h.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, err
	}

	record := &Record{
		ID:       inspect.ID,
		ServerID: h.id,
		State:    stateFromDocker(inspect.State.Status),
	}
	if inspect.Config != nil {
		record.Image = inspect.Config.Image
		record.ProjectID = inspect.Config.Labels[LabelProject]
	}
	if created, err := time.Parse(time.RFC3339Nano, inspect.Created); err == nil {
		record.CreatedAt = created
	}

	if inspect.NetworkSettings != nil {
		record.AgentURL = d.agentURL(inspect.NetworkSettings.Networks)
		record.PreviewPort = publicPortFromBindings(inspect.NetworkSettings.Ports, d.config.DevPort)
	}

	return record, nil
}

// agentURL resolves the workspace agent address from a container's attached
// networks, preferring the workspace network.
func (d *Driver) agentURL(networks map[string]*network.EndpointSettings) string {
	ip := ""
	if ep, ok := networks[d.config.Network]; ok && ep != nil && ep.IPAddress != "" {
		ip = ep.IPAddress
	} else {
		for _, ep := range networks {
			if ep != nil && ep.IPAddress != "" {
				ip = ep.IPAddress
				break
			}
		}
	}
	if ip == "" {
		return ""
	}
	return fmt.Sprintf("http://%s:%d", ip, d.config.AgentPort)
}

func publicPortFromBindings(ports nat.PortMap, devPort int) int {
	bindings := ports[nat.Port(fmt.Sprintf("%d/tcp", devPort))]
	for _, b := range bindings {
		if p, err := strconv.Atoi(b.HostPort); err == nil && p > 0 {
			return p
		}
	}
	return 0
}

func publicPortFromSummary(ports []container.Port, devPort int) int {
	for _, p := range ports {
		if int(p.PrivatePort) == devPort && p.PublicPort > 0 {
			return int(p.PublicPort)
		}
	}
	return 0
}

// containerName derives a stable DNS-safe name from the project id.
func containerName(projectID string) string {
	var b strings.Builder
	for _, r := range projectID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return "drape-ws-" + b.String()
}
