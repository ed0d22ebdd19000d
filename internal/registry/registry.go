// ABOUTME: Connection registry mapping gateway instances to live protocol connections.
// ABOUTME: Resolves connection URLs across deployment topologies and owns connect/disconnect.

package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harborline/harbormaster/internal/adapter"
	"github.com/harborline/harbormaster/internal/protocol"
	"github.com/harborline/harbormaster/internal/sandbox"
	"github.com/harborline/harbormaster/internal/store"
)

// DefaultGatewayPort is where a gateway listens inside the sandbox network
// when the instance record does not say otherwise.
const DefaultGatewayPort = 18789

const statusWriteTimeout = 5 * time.Second

// Conn is the registry's view of one live protocol connection. The concrete
// *protocol.Client satisfies it.
type Conn interface {
	adapter.Caller
	State() protocol.State
	Close() error
}

type dialFunc func(ctx context.Context, opts protocol.Options) (Conn, int, error)

func defaultDial(ctx context.Context, opts protocol.Options) (Conn, int, error) {
	client := protocol.NewClient(opts)
	if err := client.Connect(ctx); err != nil {
		return nil, 0, err
	}
	return client, client.PeerProtocol(), nil
}

// Connection pairs a live protocol connection with its resolved adapter.
type Connection struct {
	InstanceID      string
	Conn            Conn
	Adapter         adapter.Adapter
	ProtocolVersion int
}

// Options tunes connection establishment and adapter timing.
type Options struct {
	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
	ProbeTimeout     time.Duration
	SendTimeout      time.Duration
	Scopes           []string
	GatewayPort      int
	// Network, when set, is the shared docker network name; container
	// instances are then addressed by DNS name instead of inspected IPs.
	Network string
}

// Registry owns the set of instanceId -> connection entries. Callers must
// treat "not connected" as a first-class, non-exceptional outcome.
type Registry struct {
	store   store.Store
	runtime sandbox.Runtime
	opts    Options
	logger  *slog.Logger
	dial    dialFunc

	mu    sync.Mutex
	conns map[string]*Connection

	restoreOnce sync.Once
}

func New(st store.Store, runtime sandbox.Runtime, opts Options, logger *slog.Logger) *Registry {
	if opts.GatewayPort == 0 {
		opts.GatewayPort = DefaultGatewayPort
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		store:   st,
		runtime: runtime,
		opts:    opts,
		logger:  logger.With("component", "registry"),
		dial:    defaultDial,
		conns:   make(map[string]*Connection),
	}
}

// Connect establishes (or re-establishes) the connection for an instance.
// Any prior connection for the same id is torn down first.
func (r *Registry) Connect(ctx context.Context, instanceID string) error {
	inst, err := r.store.GetInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("loading instance %s: %w", instanceID, err)
	}

	url, err := r.resolveURL(ctx, inst)
	if err != nil {
		return err
	}

	r.Disconnect(instanceID)

	conn, peerProtocol, err := r.dial(ctx, protocol.Options{
		URL:                   url,
		Token:                 inst.Token,
		ClientID:              "harbormaster",
		Scopes:                r.opts.Scopes,
		RequestTimeout:        r.opts.RequestTimeout,
		HandshakeTimeout:      r.opts.HandshakeTimeout,
		OnPermanentDisconnect: func(err error) { r.handlePermanentDisconnect(instanceID, err) },
		Logger:                r.logger,
	})
	if err != nil {
		return fmt.Errorf("connecting to instance %s: %w", instanceID, err)
	}

	ad, err := adapter.Resolve(conn, peerProtocol, adapter.Options{
		ProbeTimeout: r.opts.ProbeTimeout,
		SendTimeout:  r.opts.SendTimeout,
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("resolving adapter for instance %s: %w", instanceID, err)
	}

	entry := &Connection{
		InstanceID:      instanceID,
		Conn:            conn,
		Adapter:         ad,
		ProtocolVersion: peerProtocol,
	}

	r.mu.Lock()
	prior := r.conns[instanceID]
	r.conns[instanceID] = entry
	r.mu.Unlock()

	// A concurrent Connect for the same id can slip in between the
	// Disconnect above and the map write; never leak its connection.
	if prior != nil {
		prior.Conn.Close()
	}

	if err := r.store.UpdateInstanceStatus(ctx, instanceID, store.StatusOnline); err != nil {
		r.logger.Warn("failed to persist instance status", "instance_id", instanceID, "error", err)
	}

	r.logger.Info("instance connected", "instance_id", instanceID, "url", url, "protocol", peerProtocol)
	return nil
}

// Disconnect tears down the connection for an instance. Unknown ids are a
// no-op.
func (r *Registry) Disconnect(instanceID string) {
	r.mu.Lock()
	entry := r.conns[instanceID]
	delete(r.conns, instanceID)
	r.mu.Unlock()

	if entry == nil {
		return
	}
	entry.Conn.Close()
	r.logger.Info("instance disconnected", "instance_id", instanceID)
}

// GetAdapter returns the adapter for an instance, or false when the instance
// is not connected.
func (r *Registry) GetAdapter(instanceID string) (adapter.Adapter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.conns[instanceID]
	if !ok {
		return nil, false
	}
	return entry.Adapter, true
}

// GetConn returns the raw protocol connection for an instance.
func (r *Registry) GetConn(instanceID string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.conns[instanceID]
	if !ok {
		return nil, false
	}
	return entry.Conn, true
}

// State reports the connection state for an instance; ok is false when the
// registry holds no entry for it.
func (r *Registry) State(instanceID string) (protocol.State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.conns[instanceID]
	if !ok {
		return "", false
	}
	return entry.Conn.State(), true
}

// ConnectedIDs lists the instance ids with a registry entry.
func (r *Registry) ConnectedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// RestoreAll reconnects every known instance exactly once per process,
// including ones last recorded ERROR or OFFLINE, since the remote process
// may have restarted since that status was written.
func (r *Registry) RestoreAll(ctx context.Context) {
	r.restoreOnce.Do(func() {
		instances, err := r.store.ListInstances(ctx)
		if err != nil {
			r.logger.Error("failed to list instances for restore", "error", err)
			return
		}

		for _, inst := range instances {
			if err := r.Connect(ctx, inst.ID); err != nil {
				r.logger.Warn("restore connect failed", "instance_id", inst.ID, "error", err)
			}
		}
		r.logger.Info("connection restore complete", "instances", len(instances), "connected", len(r.ConnectedIDs()))
	})
}

// Close disconnects every instance.
func (r *Registry) Close() {
	r.mu.Lock()
	entries := make([]*Connection, 0, len(r.conns))
	for _, entry := range r.conns {
		entries = append(entries, entry)
	}
	r.conns = make(map[string]*Connection)
	r.mu.Unlock()

	for _, entry := range entries {
		entry.Conn.Close()
	}
}

// resolveURL picks the effective connection URL for the current deployment
// topology: an explicit URL wins, then a recorded loopback port mapping,
// then the container's own address resolved through the sandbox runtime.
func (r *Registry) resolveURL(ctx context.Context, inst *store.Instance) (string, error) {
	if inst.URL != "" {
		return inst.URL, nil
	}
	if inst.HostPort > 0 {
		return fmt.Sprintf("ws://127.0.0.1:%d/ws", inst.HostPort), nil
	}
	if inst.ContainerName != "" {
		// On a shared docker network the container's DNS name is routable
		// directly, no inspect round-trip needed.
		if r.opts.Network != "" {
			return fmt.Sprintf("ws://%s:%d/ws", inst.ContainerName, r.opts.GatewayPort), nil
		}
		info, err := r.runtime.Inspect(ctx, inst.ContainerName)
		if err != nil {
			return "", fmt.Errorf("resolving container %s for instance %s: %w", inst.ContainerName, inst.ID, err)
		}
		if info.HostPort != "" {
			return fmt.Sprintf("ws://127.0.0.1:%s/ws", info.HostPort), nil
		}
		if info.IPAddress != "" {
			return fmt.Sprintf("ws://%s:%d/ws", info.IPAddress, r.opts.GatewayPort), nil
		}
		return "", fmt.Errorf("container %s has no reachable address", inst.ContainerName)
	}
	return "", fmt.Errorf("instance %s has no connection target", inst.ID)
}

// handlePermanentDisconnect records the terminal error state after the
// protocol client exhausted its reconnect attempts. The entry stays in the
// map so callers observe the error state; the recovery loop replaces it.
func (r *Registry) handlePermanentDisconnect(instanceID string, err error) {
	r.logger.Error("instance permanently disconnected", "instance_id", instanceID, "error", err)

	ctx, cancel := context.WithTimeout(context.Background(), statusWriteTimeout)
	defer cancel()
	if err := r.store.UpdateInstanceStatus(ctx, instanceID, store.StatusError); err != nil {
		r.logger.Warn("failed to persist error status", "instance_id", instanceID, "error", err)
	}
}
