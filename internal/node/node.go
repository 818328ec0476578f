// Package node wires identitystore, the X3DH/ratchet protocol, the
// overlay router, and transport together behind the plaintext
// application API (spec §6): identity_info, bundle, begin_session,
// accept_initial, send, recv, lookup, connect, close.
package node

import (
	"context"
	"sync"
	"time"

	"ciphera/internal/domain"
	"ciphera/internal/identitystore"
	"ciphera/internal/obslog"
	"ciphera/internal/overlay"
	"ciphera/internal/protocol/ratchet"
	"ciphera/internal/protocol/x3dh"
	"ciphera/internal/transport"
	"ciphera/internal/wire"
)

const (
	// globalSkipBudget is MAX_SKIP_TOTAL, the process-wide cap on buffered
	// skipped message keys across every session (spec §4.3, §5).
	globalSkipBudget = 10000

	bucketRefreshInterval = 5 * time.Minute
	prekeyReplenishPeriod = 2 * time.Minute
	prekeyLowWater        = 5
	prekeyBatch           = 20
)

// Config bundles everything needed to stand up a Node.
type Config struct {
	Passphrase string
	ListenAddr string // empty: do not accept inbound connections
	Method     wire.Method
	TLS        transport.TLSConfig

	Identity domain.IdentityStore
	Prekey   domain.PrekeyStore
	Bundle   domain.PrekeyBundleStore
	Sessions domain.SessionStore
	Ratchets domain.RatchetStore
	Routing  domain.RoutingTableStore // optional, may be nil
}

// Node is one running overlay participant: a local identity, a routing
// table, live peer sessions, and the background tasks that keep the
// prekey pool and routing table healthy.
type Node struct {
	cfg        Config
	passphrase string
	identity   domain.Identity
	self       domain.NodeID

	ids     *identitystore.Store
	table   *overlay.Table
	dialer  transport.Dialer
	replay  x3dh.ReplayGuard
	budget  *ratchet.Budget
	sessDB  domain.SessionStore
	ratDB   domain.RatchetStore
	routing domain.RoutingTableStore

	joinOnce sync.Once

	sessMu   sync.Mutex
	sessions map[domain.NodeID]*peerSession

	listener *transport.Listener
	recvCh   chan domain.DecryptedMessage

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New generates or loads the local identity under cfg.Passphrase and
// returns a Node ready to Serve/Connect/Send.
func New(cfg Config) (*Node, error) {
	ids := identitystore.New(cfg.Identity, cfg.Prekey, cfg.Bundle)

	id, self, err := ids.Load(cfg.Passphrase)
	if err != nil {
		id, self, err = ids.Generate(cfg.Passphrase)
		if err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:        cfg,
		passphrase: cfg.Passphrase,
		identity:   id,
		self:       self,
		ids:        ids,
		table:      overlay.NewTable(self),
		dialer:     transport.Dialer{Method: cfg.Method, TLS: cfg.TLS},
		budget:     ratchet.NewBudget(globalSkipBudget),
		sessDB:     cfg.Sessions,
		ratDB:      cfg.Ratchets,
		routing:    cfg.Routing,
		sessions:   make(map[domain.NodeID]*peerSession),
		recvCh:     make(chan domain.DecryptedMessage, 256),
		ctx:        ctx,
		cancel:     cancel,
	}

	n.restoreRoutingTable()

	if cfg.ListenAddr != "" {
		ln, err := transport.Listen(cfg.ListenAddr, cfg.Method, cfg.TLS)
		if err != nil {
			cancel()
			return nil, err
		}
		n.listener = ln
		n.wg.Add(1)
		go n.acceptLoop()
	}

	n.wg.Add(2)
	go n.replenishLoop()
	go n.refreshLoop()

	return n, nil
}

// Self returns the node's derived overlay identifier.
func (n *Node) Self() domain.NodeID { return n.self }

// Table exposes the routing table, mainly for admin surfaces.
func (n *Node) Table() *overlay.Table { return n.table }

// ListenAddr returns the bound listen address, or "" if the node was
// configured not to accept inbound connections. Mainly useful when
// Config.ListenAddr used port 0 and the kernel picked one.
func (n *Node) ListenAddr() string {
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr().String()
}

// Peers returns a snapshot of the routing table, for operational surfaces
// such as internal/adminhttp.
func (n *Node) Peers() []domain.PeerRecord { return n.table.All() }

// SessionCount returns how many peer sessions are currently registered.
func (n *Node) SessionCount() int {
	n.sessMu.Lock()
	defer n.sessMu.Unlock()
	return len(n.sessions)
}

func (n *Node) restoreRoutingTable() {
	if n.routing == nil {
		return
	}
	records, err := n.routing.LoadRoutingTable()
	if err != nil {
		return
	}
	for _, r := range records {
		n.table.Observe(n.ctx, r, nodePinger{n})
	}
}

func (n *Node) replenishLoop() {
	defer n.wg.Done()
	t := time.NewTicker(prekeyReplenishPeriod)
	defer t.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-t.C:
			if err := n.ids.Replenish(n.passphrase, prekeyLowWater, prekeyBatch); err != nil {
				obslog.Warn("prekey replenish failed", obslog.Err(err))
			}
		}
	}
}

func (n *Node) refreshLoop() {
	defer n.wg.Done()
	t := time.NewTicker(bucketRefreshInterval)
	defer t.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-t.C:
			n.table.RefreshLeastRecent(n.ctx, nodePinger{n})
			if n.routing != nil {
				_ = n.routing.SaveRoutingTable(n.table.All())
			}
		}
	}
}

// Close stops all background tasks and connections and waits for them
// to exit (spec §9: "named tasks with declared lifecycle").
func (n *Node) Close() error {
	n.cancel()
	if n.listener != nil {
		_ = n.listener.Close()
	}

	n.sessMu.Lock()
	sessions := make([]*peerSession, 0, len(n.sessions))
	for _, s := range n.sessions {
		sessions = append(sessions, s)
	}
	n.sessMu.Unlock()
	for _, s := range sessions {
		s.close()
	}

	n.wg.Wait()
	if n.routing != nil {
		_ = n.routing.SaveRoutingTable(n.table.All())
	}
	return nil
}
