package bridge

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"meshgw/internal/msap"
	"meshgw/pkg/types"
)

const (
	defaultInventorySize = 1024
	defaultNodeInventory = 4096
)

// GatewayInfo summarises what has been seen from one gateway.
type GatewayInfo struct {
	GatewayID string    `json:"gateway_id"`
	NetworkID string    `json:"network_id"`
	Sinks     []string  `json:"sinks"`
	Events    uint64    `json:"events"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// NodeInfo summarises what has been seen from one mesh node. The scratchpad
// fields are set once the node answered a scratchpad status request.
type NodeInfo struct {
	NetworkID         string    `json:"network_id"`
	Address           string    `json:"address"`
	Reports           uint64    `json:"reports"`
	FirstSeen         time.Time `json:"first_seen"`
	LastSeen          time.Time `json:"last_seen"`
	HasScratchpad     bool      `json:"has_scratchpad"`
	StoredSequence    uint8     `json:"stored_sequence"`
	ProcessedSequence uint8     `json:"processed_sequence"`
	StatusAt          time.Time `json:"status_at,omitempty"`
}

// Updated reports whether the node holds or has processed the scratchpad
// with sequence seq.
func (n NodeInfo) Updated(seq uint8) bool {
	return n.HasScratchpad && (n.StoredSequence == seq || n.ProcessedSequence == seq)
}

// Completion is the progress of a scratchpad rollout over a set of nodes.
type Completion struct {
	Sequence uint8    `json:"sequence"`
	Updated  []string `json:"updated"`
	Pending  []string `json:"pending"`
	Unseen   []string `json:"unseen"`
}

// Done reports whether every target node runs the sequence.
func (c Completion) Done() bool { return len(c.Pending) == 0 && len(c.Unseen) == 0 }

// Inventory tracks recently active gateways and the nodes behind them. The
// least recently seen entry is evicted once the configured size is reached.
type Inventory struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *GatewayInfo]
	nodes *lru.Cache[string, *NodeInfo]
}

func NewInventory(gateways, nodes int) (*Inventory, error) {
	if gateways <= 0 {
		gateways = defaultInventorySize
	}
	if nodes <= 0 {
		nodes = defaultNodeInventory
	}
	cache, err := lru.New[string, *GatewayInfo](gateways)
	if err != nil {
		return nil, err
	}
	nodeCache, err := lru.New[string, *NodeInfo](nodes)
	if err != nil {
		return nil, err
	}
	return &Inventory{cache: cache, nodes: nodeCache}, nil
}

func nodeKey(networkID, address string) string { return networkID + "/" + address }

// Observe records one event from a gateway and counts a report for its
// source node.
func (inv *Inventory) Observe(event *types.RawGatewayEvent) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if event.SourceAddress != "" {
		inv.nodeLocked(event).Reports++
	}

	info, ok := inv.cache.Get(event.GatewayID)
	if !ok {
		info = &GatewayInfo{GatewayID: event.GatewayID, FirstSeen: event.ReceivedAt}
		inv.cache.Add(event.GatewayID, info)
	}
	info.Events++
	info.LastSeen = event.ReceivedAt
	if event.NetworkID != "" {
		info.NetworkID = event.NetworkID
	}
	if i := sort.SearchStrings(info.Sinks, event.SinkID); i == len(info.Sinks) || info.Sinks[i] != event.SinkID {
		info.Sinks = append(info.Sinks, "")
		copy(info.Sinks[i+1:], info.Sinks[i:])
		info.Sinks[i] = event.SinkID
	}
}

func (inv *Inventory) nodeLocked(event *types.RawGatewayEvent) *NodeInfo {
	key := nodeKey(event.NetworkID, event.SourceAddress)
	node, ok := inv.nodes.Get(key)
	if !ok {
		node = &NodeInfo{NetworkID: event.NetworkID, Address: event.SourceAddress, FirstSeen: event.ReceivedAt}
		inv.nodes.Add(key, node)
	}
	if event.ReceivedAt.After(node.LastSeen) {
		node.LastSeen = event.ReceivedAt
	}
	return node
}

// ObserveScratchpad records the scratchpad sequences a node reported.
func (inv *Inventory) ObserveScratchpad(event *types.RawGatewayEvent, status *msap.ScratchpadStatusResponse) {
	if event.SourceAddress == "" {
		return
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	node := inv.nodeLocked(event)
	node.HasScratchpad = true
	node.StoredSequence = status.Stored.Sequence
	node.ProcessedSequence = status.Processed.Sequence
	node.StatusAt = event.ReceivedAt
}

// Node returns a copy of one node's entry.
func (inv *Inventory) Node(networkID, address string) (NodeInfo, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	node, ok := inv.nodes.Peek(nodeKey(networkID, address))
	if !ok {
		return NodeInfo{}, false
	}
	return *node, true
}

// Nodes lists the tracked nodes of a network ordered by address. An empty
// networkID lists every network.
func (inv *Inventory) Nodes(networkID string) []NodeInfo {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	var out []NodeInfo
	for _, key := range inv.nodes.Keys() {
		if node, ok := inv.nodes.Peek(key); ok && (networkID == "" || node.NetworkID == networkID) {
			out = append(out, *node)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NetworkID != out[j].NetworkID {
			return out[i].NetworkID < out[j].NetworkID
		}
		return out[i].Address < out[j].Address
	})
	return out
}

// Completion reports which of targets run scratchpad sequence seq. Without
// targets every known node of the network is considered.
func (inv *Inventory) Completion(networkID string, seq uint8, targets []string) Completion {
	c := Completion{Sequence: seq}
	if len(targets) == 0 {
		for _, node := range inv.Nodes(networkID) {
			targets = append(targets, node.Address)
		}
	}
	for _, address := range targets {
		node, ok := inv.Node(networkID, address)
		switch {
		case !ok:
			c.Unseen = append(c.Unseen, address)
		case node.Updated(seq):
			c.Updated = append(c.Updated, address)
		default:
			c.Pending = append(c.Pending, address)
		}
	}
	return c
}

// Frequency returns the report count of every known node of the network.
// Targets that were never seen are included with zero.
func (inv *Inventory) Frequency(networkID string, targets []string) map[string]uint64 {
	out := make(map[string]uint64)
	for _, node := range inv.Nodes(networkID) {
		out[node.Address] = node.Reports
	}
	for _, address := range targets {
		if _, ok := out[address]; !ok {
			out[address] = 0
		}
	}
	return out
}

// FrequencyReached reports whether every target was seen at least min times.
func (inv *Inventory) FrequencyReached(networkID string, targets []string, min uint64) bool {
	if len(targets) == 0 {
		return false
	}
	freq := inv.Frequency(networkID, targets)
	for _, address := range targets {
		if freq[address] < min {
			return false
		}
	}
	return true
}

// Get returns a copy of the gateway's entry.
func (inv *Inventory) Get(gatewayID string) (GatewayInfo, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	info, ok := inv.cache.Peek(gatewayID)
	if !ok {
		return GatewayInfo{}, false
	}
	return info.copy(), true
}

// Snapshot lists the tracked gateways ordered by id.
func (inv *Inventory) Snapshot() []GatewayInfo {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := make([]GatewayInfo, 0, inv.cache.Len())
	for _, key := range inv.cache.Keys() {
		if info, ok := inv.cache.Peek(key); ok {
			out = append(out, info.copy())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GatewayID < out[j].GatewayID })
	return out
}

func (inv *Inventory) Len() int { return inv.cache.Len() }

func (inv *Inventory) NodeCount() int { return inv.nodes.Len() }

func (g *GatewayInfo) copy() GatewayInfo {
	c := *g
	c.Sinks = append([]string(nil), g.Sinks...)
	return c
}
