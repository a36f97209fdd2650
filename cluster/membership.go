// Package cluster implements spec.md §4.8's membership and layer
// assignment service: client registration/reassignment, reachability
// probing, contiguous-path selection over the registered clients, and
// heartbeat-driven reconnection. Grounded in the original Python
// source's WebsocketManager (tllm/network/manager/websocket_manager.py,
// see original_source/_INDEX.md) — register_client/get_free_layer/
// find_continuous_path/unregister_client map directly onto this
// package's Membership methods — reimplemented in the teacher's
// mutex-guarded, constructed-object style (discover/runner_discovery.go's
// sync.Mutex-protected state) rather than a module-level singleton.
package cluster

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"
)

// ErrPingFailed is returned when a candidate host/port fails the TCP
// reachability probe at registration time (spec.md §4.8).
var ErrPingFailed = errors.New("cluster: reachability probe failed")

// ErrUnknownClient is returned by operations addressing a client_id
// the membership service has no descriptor for.
var ErrUnknownClient = errors.New("cluster: unknown client")

// ErrNoFreeLayer is returned by a registration without an explicit
// pp_rank only when the membership has no rank slots at all. When every
// rank is already covered, registration does not fail: it falls back to
// the lowest-index rank for redundancy (see getFreeLayer).
var ErrNoFreeLayer = errors.New("cluster: no free layer")

// Client is one registered worker's descriptor: its reachable address,
// its assigned pipeline-parallel rank and layer range, and the
// latency recorded at registration time (used to prefer low-latency
// members when multiple candidates cover the same rank).
type Client struct {
	ClientID string
	Host     string
	PPRank   int
	StartIdx int
	EndIdx   int
	Latency  time.Duration
}

type rankSlot struct {
	start, end int
	count      int
}

// Pinger probes a candidate host/port for TCP reachability, returning
// the resolved address and round-trip latency. A real implementation
// dials the socket (see DialPinger); tests can substitute a fake.
type Pinger interface {
	Ping(host string, port int) (resolvedHost string, latency time.Duration, err error)
}

// Membership is the coordinator's client registry: the set of
// candidate workers, their pipeline-parallel rank assignment, and the
// currently selected contiguous covering path. It has no package-level
// state (design notes §9): every instance is an explicit constructed
// object.
type Membership struct {
	totalLayers int
	pinger      Pinger

	mu      sync.Mutex
	slots   []rankSlot // len == clientSize, in rank order
	clients map[string]*Client
	path    []*Client // the active FindContinuousPath result, or nil
}

// NewMembership builds a membership service for a model of totalLayers
// split into clientSize balanced, contiguous pp_rank ranges (see
// SplitModelLayers), probing candidates with pinger.
func NewMembership(totalLayers, clientSize int, pinger Pinger) *Membership {
	ranges := SplitModelLayers(clientSize, totalLayers)
	slots := make([]rankSlot, len(ranges))
	for i, r := range ranges {
		slots[i] = rankSlot{start: r[0], end: r[1]}
	}
	return &Membership{
		totalLayers: totalLayers,
		pinger:      pinger,
		slots:       slots,
		clients:     make(map[string]*Client),
	}
}

// ClientSize reports how many pp_rank slots this membership service
// was built for.
func (m *Membership) ClientSize() int { return len(m.slots) }

// hasFullModel reports whether every rank slot currently has at least
// one registered client. Caller must hold m.mu.
func (m *Membership) hasFullModel() bool {
	for _, s := range m.slots {
		if s.count == 0 {
			return false
		}
	}
	return true
}

// getFreeLayer returns the first rank (in ascending range order) with
// no registered client, or — if every rank is already covered — the
// lowest-index rank for redundancy. This resolves spec.md §9's Open
// Question in favor of deterministic `range(...)`-style scanning: the
// original Python source falls back to `random.choice` once the model
// is fully covered, but a coordinator's path selection must stay
// reproducible, so this runtime always prefers rank 0 instead of
// choosing among covered ranks at random. Caller must hold m.mu.
func (m *Membership) getFreeLayer() (pprank, start, end int, err error) {
	for i, s := range m.slots {
		if s.count == 0 {
			return i, s.start, s.end, nil
		}
	}
	if m.hasFullModel() && len(m.slots) > 0 {
		return 0, m.slots[0].start, m.slots[0].end, nil
	}
	return 0, 0, 0, ErrNoFreeLayer
}

// RegisterClient probes host/port for reachability, then assigns
// client_id a pp_rank: the caller's explicit assignment if ppRank >= 0
// (a reconnection carrying its prior assignment), otherwise the next
// free rank per getFreeLayer, and counts the client against that rank.
// Returns the finalized Client descriptor.
func (m *Membership) RegisterClient(clientID, host string, port int, ppRank, startIdx, endIdx int) (Client, error) {
	resolvedHost, latency, err := m.pinger.Ping(host, port)
	if err != nil {
		return Client{}, fmt.Errorf("%w: %s:%d: %v", ErrPingFailed, host, port, err)
	}
	addr := fmt.Sprintf("%s:%d", resolvedHost, port)
	slog.Debug("cluster: ping succeeded", "client_id", clientID, "host", addr, "latency_ms", latency.Milliseconds())

	m.mu.Lock()
	defer m.mu.Unlock()

	if ppRank < 0 {
		pprank, start, end, err := m.getFreeLayer()
		if err != nil {
			return Client{}, err
		}
		ppRank, startIdx, endIdx = pprank, start, end
	}
	m.slots[ppRank].count++

	c := &Client{ClientID: clientID, Host: addr, PPRank: ppRank, StartIdx: startIdx, EndIdx: endIdx, Latency: latency}
	m.clients[clientID] = c
	return *c, nil
}

// InitClient finalizes a registered client's assignment (the second
// call in the registration handshake, spec.md §4.8 `init_client`),
// incrementing its rank's count.
func (m *Membership) InitClient(clientID string, ppRank, startIdx, endIdx int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[clientID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClient, clientID)
	}
	c.PPRank, c.StartIdx, c.EndIdx = ppRank, startIdx, endIdx
	m.slots[ppRank].count++
	return nil
}

// UnregisterClient decrements the owning rank's count and removes the
// descriptor. Unknown client ids are a no-op, mirroring the Python
// source's unregister_client.
func (m *Membership) UnregisterClient(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[clientID]
	if !ok {
		return
	}
	delete(m.clients, clientID)
	if c.PPRank >= 0 && c.PPRank < len(m.slots) {
		m.slots[c.PPRank].count--
	}
}

// PingAll re-probes every registered client's reachability and
// records a heartbeat Touch for each that answers, for the caller to
// later consult via hb.Expired (spec.md §4.8: "the coordinator removes
// a client after a grace period and re-runs path selection"). Unlike
// RegisterClient, an unreachable client here is not an error — it
// simply fails to refresh its heartbeat and is left for the grace
// period to catch.
func (m *Membership) PingAll(now time.Time, hb *HeartbeatMonitor) {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	for _, c := range clients {
		host, portStr, err := net.SplitHostPort(c.Host)
		if err != nil {
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			continue
		}
		if _, _, err := m.pinger.Ping(host, port); err == nil {
			hb.Touch(c.ClientID, now)
		}
	}
}

// FindContinuousPath chooses, for every rank [0, clientSize), the
// lowest-latency registered client assigned to exactly that rank's
// [start, end) range, in ascending rank order. It returns (nil, false)
// if any rank has no covering client — no partial path is ever
// returned, matching the Python source's "return [] if not x".
func (m *Membership) FindContinuousPath() ([]Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := make([]Client, len(m.slots))
	for rank, slot := range m.slots {
		var best *Client
		for _, c := range m.clients {
			if c.PPRank != rank || c.StartIdx != slot.start || c.EndIdx != slot.end {
				continue
			}
			if best == nil || c.Latency < best.Latency {
				best = c
			}
		}
		if best == nil {
			return nil, false
		}
		path[rank] = *best
	}

	m.path = make([]*Client, len(path))
	for i := range path {
		p := path[i]
		m.path[i] = &p
	}
	return path, true
}
