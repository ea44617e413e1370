// Package node composes the network protocol and the resource sampler into a running
// Paraloom node: it owns the node lifecycle, answers peer messages and keeps local
// bookkeeping up to date.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/paraloom/go-p2p"
	"github.com/paraloom/go-p2p/config"
	"github.com/paraloom/go-p2p/resource"
	"github.com/paraloom/go-p2p/storage"
	"github.com/paraloom/go-p2p/types"
)

const (
	// DefaultSupervisionInterval is the time between two bookkeeping passes.
	DefaultSupervisionInterval = 30 * time.Second

	shutdownTimeout = 10 * time.Second

	contributionKey = "node/contribution"
)

// Sampler is the part of the resource sampler the service depends on.
type Sampler interface {
	Start(ctx context.Context) error
	Stop()
	GetContribution() types.ResourceContribution
	CheckGPU() (string, bool)
}

var _ Sampler = (*resource.Sampler)(nil)

// Service is a running node. Create it with New, drive it with Run and end it with Stop.
type Service struct {
	settings config.Settings
	logger   types.Logger

	protocol p2p.ProtocolI
	sampler  Sampler
	store    storage.Store
	peers    *PeerBook
	metrics  *serviceMetrics
	registry *prometheus.Registry

	ownsStore           bool
	supervisionInterval time.Duration

	mu     sync.RWMutex
	status types.NodeStatus
	info   types.NodeInfo

	stopCh       chan struct{}
	stopOnce     sync.Once
	teardownOnce sync.Once
}

var _ p2p.Handler = (*Service)(nil)

// Option configures a Service.
type Option func(*Service)

// WithProtocol replaces the libp2p protocol.
func WithProtocol(protocol p2p.ProtocolI) Option {
	return func(s *Service) { s.protocol = protocol }
}

// WithSampler replaces the host resource sampler.
func WithSampler(sampler Sampler) Option {
	return func(s *Service) { s.sampler = sampler }
}

// WithStore replaces the LevelDB store opened from settings. The caller keeps ownership and
// closes it.
func WithStore(store storage.Store) Option {
	return func(s *Service) { s.store = store }
}

// WithRegistry sets the registry the node metrics are registered with and served from.
func WithRegistry(registry *prometheus.Registry) Option {
	return func(s *Service) { s.registry = registry }
}

// WithSupervisionInterval overrides the configured supervision interval.
func WithSupervisionInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.supervisionInterval = d
		}
	}
}

// New builds a node from settings. Collaborators not supplied through options are created
// here: the store under storage.data_dir, the sampler with the configured ceilings and a
// protocol with a fresh identity.
func New(settings config.Settings, logger types.Logger, opts ...Option) (*Service, error) {
	s := &Service{
		settings:            settings,
		logger:              logger,
		supervisionInterval: settings.Node.SupervisionInterval(),
		status:              types.Starting(),
		stopCh:              make(chan struct{}),
	}

	if s.supervisionInterval <= 0 {
		s.supervisionInterval = DefaultSupervisionInterval
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}

	if err := s.init(); err != nil {
		s.closeStore()
		return nil, err
	}

	s.metrics = newServiceMetrics(s.registry)

	s.info = types.NodeInfo{
		ID:        s.protocol.LocalPeerID(),
		NodeType:  types.ParseNodeType(settings.Node.NodeType),
		Resources: s.sampler.GetContribution(),
		Address:   settings.Network.ListenAddress,
	}

	if len(settings.Network.BootstrapNodes) > 0 {
		logger.Infof("[Service] %d bootstrap nodes configured, automatic dialing is disabled", len(settings.Network.BootstrapNodes))
	}

	if settings.Network.EnableMDNS {
		logger.Infof("[Service] mdns requested, local discovery is disabled")
	}

	logger.Infof("[Service] node %s created as %s", s.info.ID, s.info.NodeType)

	return s, nil
}

func (s *Service) init() error {
	var err error

	if s.store == nil {
		if s.store, err = storage.Open(s.settings.Storage.DataDir); err != nil {
			return fmt.Errorf("[Service] error opening store: %w", err)
		}

		s.ownsStore = true
	}

	if s.peers, err = LoadPeerBook(s.store); err != nil {
		return err
	}

	if s.sampler == nil {
		n := s.settings.Node
		s.sampler = resource.New(n.MaxCPUUsage, n.MaxMemoryUsage, n.MaxStorageUsage,
			resource.WithInterval(n.SampleInterval()),
			resource.WithLogger(s.logger),
			resource.WithRegisterer(s.registry))
	}

	if s.protocol == nil {
		net := s.settings.Network

		s.protocol, err = p2p.New(context.Background(), s.logger, p2p.Config{
			ProcessName:       "paraloom",
			PrivateKey:        net.PrivateKey,
			SharedKey:         net.SharedKey,
			QueueSize:         net.QueueSize,
			MaxConnsPerPeer:   net.MaxConnsPerPeer,
			MessagesPerSecond: net.MessagesPerSecond,
			MessageBurst:      net.MessageBurst,
			EnableConnManager: true,
			Registerer:        s.registry,
		})
		if err != nil {
			return fmt.Errorf("[Service] error creating protocol: %w", err)
		}
	}

	return nil
}

// Run starts the sampler and the protocol, then supervises the node until Stop is called,
// ctx is canceled or the node leaves the Running state. Resources are released before it
// returns. A startup failure moves the node to Error and is returned.
func (s *Service) Run(ctx context.Context) error {
	defer s.teardown()

	if state := s.Status().State; state != types.StateStarting {
		return fmt.Errorf("[Service] cannot run in state %s", state)
	}

	s.logger.Infof("[Service] starting node %s", s.info.ID)

	if err := s.sampler.Start(ctx); err != nil {
		return s.fail(fmt.Errorf("[Service] error starting sampler: %w", err))
	}

	if gpu, ok := s.sampler.CheckGPU(); ok {
		s.logger.Infof("[Service] GPU detected: %s", gpu)
	} else {
		s.logger.Infof("[Service] no GPU detected")
	}

	if err := s.protocol.SetHandler(s); err != nil {
		return s.fail(fmt.Errorf("[Service] error installing handler: %w", err))
	}

	if err := s.protocol.Start(ctx, s.settings.Network.ListenAddress); err != nil {
		return s.fail(fmt.Errorf("[Service] error starting protocol: %w", err))
	}

	if addrs := s.protocol.Addrs(); len(addrs) > 0 {
		s.mu.Lock()
		s.info.Address = addrs[0]
		s.mu.Unlock()

		s.logger.Infof("[Service] reachable at %s", addrs[0])
	}

	s.setStatus(types.Running())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	if addr := s.settings.Metrics.ListenAddress; addr != "" {
		g.Go(func() error {
			return s.serveMetrics(gctx, addr)
		})
	}

	g.Go(func() error {
		defer cancel()

		s.supervise(gctx)

		return nil
	})

	if err := g.Wait(); err != nil {
		return s.fail(err)
	}

	return nil
}

// Stop asks a running node to shut down. It does not wait for Run to return.
func (s *Service) Stop() {
	s.setStatus(types.ShuttingDown())

	s.stopOnce.Do(func() {
		s.logger.Infof("[Service] shutdown requested")
		close(s.stopCh)
	})
}

// Close releases the collaborators of a node whose Run was never called.
func (s *Service) Close() {
	s.Stop()
	s.teardown()
}

// Status returns the lifecycle status.
func (s *Service) Status() types.NodeStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.status
}

// NodeInfo returns a copy of the local node description.
func (s *Service) NodeInfo() types.NodeInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := s.info
	info.ID = append(types.NodeID(nil), s.info.ID...)

	return info
}

// Peers returns the peer book records.
func (s *Service) Peers() []PeerRecord {
	return s.peers.All()
}

// ConnectedPeers returns the peers the protocol is connected to.
func (s *Service) ConnectedPeers() []p2p.PeerInfo {
	return s.protocol.ConnectedPeers()
}

// Connect dials a peer multiaddr. Nodes never dial on their own.
func (s *Service) Connect(ctx context.Context, addr string) error {
	return s.protocol.Connect(ctx, addr)
}

// setStatus applies next when the transition is allowed and reports whether it was.
func (s *Service) setStatus(next types.NodeStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.status.CanTransition(next) {
		return false
	}

	s.logger.Debugf("[Service] status %s -> %s", s.status, next)
	s.status = next

	return true
}

func (s *Service) fail(err error) error {
	s.setStatus(types.Failed(err.Error()))
	s.logger.Errorf("%v", err)

	return err
}

// supervise refreshes local bookkeeping on every tick. The refreshed contribution is kept
// local; it is not sent to peers.
func (s *Service) supervise(ctx context.Context) {
	ticker := time.NewTicker(s.supervisionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Infof("[Service] context done, leaving supervision loop")
			return
		case <-s.stopCh:
			s.logger.Infof("[Service] leaving supervision loop")
			return
		case <-ticker.C:
			if s.Status().State != types.StateRunning {
				return
			}

			s.refresh()
		}
	}
}

func (s *Service) refresh() {
	contribution := s.sampler.GetContribution()

	s.mu.Lock()
	s.info.Resources = contribution
	s.mu.Unlock()

	s.metrics.supervisionTicks.Inc()

	if data, err := json.Marshal(contribution); err != nil {
		s.logger.Errorf("[Service] error encoding contribution: %v", err)
	} else if err := s.store.Put([]byte(contributionKey), data); err != nil {
		s.logger.Errorf("[Service] error persisting contribution: %v", err)
	}

	s.peers.Prune(DefaultMaxPeers, DefaultPeerTTL)

	if err := s.peers.Save(); err != nil {
		s.logger.Errorf("[Service] error saving peer book: %v", err)
	}

	s.metrics.knownPeers.Set(float64(s.peers.Count()))

	s.logger.Debugf("[Service] contribution: CPU cores: %d, RAM: %d MB, disk: %d MB, connected peers: %d",
		contribution.CPUCores, contribution.MemoryMB, contribution.StorageMB, len(s.protocol.ConnectedPeers()))
}

// LastContribution returns the contribution persisted by the last supervision pass.
func (s *Service) LastContribution() (types.ResourceContribution, error) {
	var c types.ResourceContribution

	data, err := s.store.Get([]byte(contributionKey))
	if err != nil {
		return c, err
	}

	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("[Service] error decoding contribution: %w", err)
	}

	return c, nil
}

func (s *Service) teardown() {
	s.teardownOnce.Do(func() {
		s.setStatus(types.ShuttingDown())

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := s.protocol.Stop(ctx); err != nil {
			s.logger.Errorf("[Service] error stopping protocol: %v", err)
		}

		s.sampler.Stop()

		if err := s.peers.Save(); err != nil {
			s.logger.Errorf("[Service] error saving peer book: %v", err)
		}

		if err := s.store.Sync(); err != nil {
			s.logger.Warnf("[Service] error syncing store: %v", err)
		}

		s.closeStore()

		s.logger.Infof("[Service] node stopped")
	})
}

func (s *Service) closeStore() {
	if !s.ownsStore || s.store == nil {
		return
	}

	if err := s.store.Close(); err != nil {
		s.logger.Errorf("[Service] error closing store: %v", err)
	}
}
