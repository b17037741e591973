// Package ingestion runs the ingestion sessions of one daemon and publishes
// their status to the session registry.
package ingestion

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/cadence/internal/config"
	"github.com/zsiec/cadence/internal/errors"
	"github.com/zsiec/cadence/internal/ingestion/media"
	"github.com/zsiec/cadence/internal/ingestion/process"
	"github.com/zsiec/cadence/internal/ingestion/producer"
	"github.com/zsiec/cadence/internal/ingestion/registry"
	"github.com/zsiec/cadence/internal/logger"
	"github.com/zsiec/cadence/internal/metrics"
)

const defaultHeartbeatInterval = 5 * time.Second

// Options configure a Manager.
type Options struct {
	Config   *config.IngestionConfig
	Registry registry.Registry
	Codec    media.Codec
	// Launcher defaults to os/exec.
	Launcher process.Launcher
	// Node names this daemon in registry records.
	Node   string
	Logger logger.Logger
	// DisableKeepalive is passed to every producer.
	DisableKeepalive bool
}

// SessionRequest asks for a new session. An empty ID is generated.
type SessionRequest struct {
	ID        string                 `json:"id,omitempty"`
	Resource  string                 `json:"resource"`
	Overrides map[string]interface{} `json:"overrides,omitempty"`
}

// Stats summarizes the sessions of this daemon.
type Stats struct {
	Node          string `json:"node"`
	Sessions      int    `json:"sessions"`
	Working       int    `json:"working"`
	Failed        int    `json:"failed"`
	DropMode      int    `json:"drop_mode"`
	Restarts      int64  `json:"restarts"`
	MissedPackets int64  `json:"missed_packets"`
}

type managedSession struct {
	producer  *producer.Producer
	createdAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// Manager owns the producers of this daemon. Sessions are keyed by ID.
type Manager struct {
	cfg      *config.IngestionConfig
	registry registry.Registry
	codec    media.Codec
	launcher process.Launcher
	node     string
	logger   logger.Logger
	noKA     bool

	mu       sync.RWMutex
	sessions map[string]*managedSession
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
	ready    bool
	stopped  bool
}

// NewManager validates opts and returns an idle manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("ingestion: config is required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("ingestion: codec is required")
	}
	reg := opts.Registry
	if reg == nil {
		reg = registry.NewMemory()
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewNullLogger()
	}
	node := opts.Node
	if node == "" {
		node = uuid.NewString()
	}

	return &Manager{
		cfg:      opts.Config,
		registry: reg,
		codec:    opts.Codec,
		launcher: opts.Launcher,
		node:     node,
		logger:   log.WithFields(map[string]interface{}{"component": "ingestion", "node": node}),
		noKA:     opts.DisableKeepalive,
		sessions: make(map[string]*managedSession),
	}, nil
}

// Start creates every session declared in the configuration. Sessions live
// until DeleteSession or Stop, not until ctx ends; ctx only bounds startup.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("ingestion: manager already started")
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.started = true
	m.mu.Unlock()

	m.logger.WithField("sessions", len(m.cfg.Sessions)).Info("Starting ingestion manager")

	g, gctx := errgroup.WithContext(ctx)
	for _, sc := range m.cfg.Sessions {
		sc := sc
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			_, err := m.create(sc.ID, sc.Resource, sc.Producer)
			if err != nil {
				return fmt.Errorf("session %q: %w", sc.ID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m.mu.Lock()
	m.ready = !m.stopped
	m.mu.Unlock()
	return nil
}

// Ready reports whether the configured sessions were created and the
// manager accepts new ones.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready && !m.stopped
}

// CreateSession starts a producer for req. Overrides are merged onto the
// ingestion producer defaults.
func (m *Manager) CreateSession(_ context.Context, req SessionRequest) (*producer.Producer, error) {
	cfg, err := m.cfg.Producer.Merge(req.Overrides)
	if err != nil {
		return nil, errors.NewValidationError(fmt.Sprintf("invalid overrides: %v", err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.NewValidationError(err.Error())
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	return m.create(id, req.Resource, cfg)
}

func (m *Manager) create(id, resource string, cfg config.ProducerConfig) (*producer.Producer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started || m.stopped {
		return nil, errors.NewServiceDownError("ingestion")
	}
	if _, exists := m.sessions[id]; exists {
		return nil, errors.NewConflictError(fmt.Sprintf("session %s already exists", id))
	}

	p, err := producer.New(producer.Options{
		ID:               id,
		Resource:         resource,
		Config:           cfg,
		Process:          m.cfg.Process,
		Codec:            m.codec,
		AllowedSchemes:   m.cfg.AllowedSchemes,
		Launcher:         m.launcher,
		Logger:           m.logger,
		DisableKeepalive: m.noKA,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(m.ctx)
	s := &managedSession{
		producer:  p,
		createdAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	m.sessions[id] = s
	metrics.SetActiveSessions(len(m.sessions))

	interval := m.cfg.Registry.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	go func() {
		defer close(s.done)
		registry.Publish(ctx, m.registry, interval, func() *registry.Record {
			return m.record(p)
		}, m.logger.WithField("session_id", id))
	}()

	m.logger.WithFields(map[string]interface{}{
		"session_id": id,
		"resource":   resource,
	}).Info("Session created")
	return p, nil
}

// record converts a producer status into its registry form.
func (m *Manager) record(p *producer.Producer) *registry.Record {
	info := p.Info()
	status := registry.StatusStarting
	switch {
	case info.Error != "":
		status = registry.StatusFailed
	case info.Working:
		status = registry.StatusWorking
	}
	return &registry.Record{
		ID:            info.ID,
		Node:          m.node,
		Resource:      info.Resource,
		Status:        status,
		Width:         info.Width,
		Height:        info.Height,
		InputFPS:      info.InputFPS,
		OutputFPS:     info.OutputFPS,
		Restarts:      info.Restarts,
		MissedPackets: info.MissedPackets,
		DropMode:      info.DropMode,
		Error:         info.Error,
	}
}

// DeleteSession unpublishes and closes one session.
func (m *Manager) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		metrics.SetActiveSessions(len(m.sessions))
	}
	m.mu.Unlock()

	if !ok {
		return errors.NewNotFoundError("session")
	}
	m.shutdown(id, s)
	return nil
}

func (m *Manager) shutdown(id string, s *managedSession) {
	s.cancel()
	<-s.done
	s.producer.Close()
	m.logger.WithField("session_id", id).Info("Session deleted")
}

// Session returns the producer of a running session.
func (m *Manager) Session(id string) (*producer.Producer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return s.producer, true
}

// Sessions returns the status of every session ordered by ID.
func (m *Manager) Sessions() []producer.Info {
	m.mu.RLock()
	infos := make([]producer.Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.producer.Info())
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Counts returns the number of sessions and how many of them failed.
func (m *Manager) Counts() (total, failed int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.producer.Err() != nil {
			failed++
		}
	}
	return len(m.sessions), failed
}

// Stats aggregates the status of all sessions.
func (m *Manager) Stats() Stats {
	st := Stats{Node: m.node}
	for _, info := range m.Sessions() {
		st.Sessions++
		if info.Working {
			st.Working++
		}
		if info.Error != "" {
			st.Failed++
		}
		if info.DropMode {
			st.DropMode++
		}
		st.Restarts += info.Restarts
		st.MissedPackets += info.MissedPackets
	}
	return st
}

// Registry returns the registry sessions are published to.
func (m *Manager) Registry() registry.Registry {
	return m.registry
}

// Node returns the identifier this daemon publishes under.
func (m *Manager) Node() string {
	return m.node
}

// Stop closes every session in parallel and then the registry.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.ready = false
	sessions := m.sessions
	m.sessions = make(map[string]*managedSession)
	m.mu.Unlock()

	m.logger.WithField("sessions", len(sessions)).Info("Stopping ingestion manager")

	var g errgroup.Group
	for id, s := range sessions {
		id, s := id, s
		g.Go(func() error {
			m.shutdown(id, s)
			return nil
		})
	}
	_ = g.Wait()
	m.cancel()
	metrics.SetActiveSessions(0)

	if err := m.registry.Close(); err != nil {
		return fmt.Errorf("failed to close registry: %w", err)
	}
	m.logger.Info("Ingestion manager stopped")
	return nil
}
