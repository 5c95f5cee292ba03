package bridge

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/vudo/enr/pkg/identity"
)

// DefaultNodeMapSize bounds how many Meshtastic u32 <-> NodeId
// associations are retained; eviction does not disturb active sessions
// because the mapping is re-learned from the next packet carrying that
// node's id (spec §3 node ID mapping).
const DefaultNodeMapSize = 4096

// NodeIdMapper maintains the bidirectional association between a
// Meshtastic-style u32 node identifier and a full NodeId, populated on
// first observation of a radio packet.
type NodeIdMapper struct {
	forward *lru.Cache[uint32, identity.NodeId]
	reverse *lru.Cache[identity.NodeId, uint32]
}

// NewNodeIdMapper creates a mapper bounded to size entries.
func NewNodeIdMapper(size int) (*NodeIdMapper, error) {
	if size <= 0 {
		size = DefaultNodeMapSize
	}
	fwd, err := lru.New[uint32, identity.NodeId](size)
	if err != nil {
		return nil, err
	}
	rev, err := lru.New[identity.NodeId, uint32](size)
	if err != nil {
		return nil, err
	}
	return &NodeIdMapper{forward: fwd, reverse: rev}, nil
}

// Observe records the association, learning it if unseen.
func (m *NodeIdMapper) Observe(meshId uint32, node identity.NodeId) {
	m.forward.Add(meshId, node)
	m.reverse.Add(node, meshId)
}

// NodeIdFor returns the NodeId known for a Meshtastic u32, if any.
func (m *NodeIdMapper) NodeIdFor(meshId uint32) (identity.NodeId, bool) {
	return m.forward.Get(meshId)
}

// MeshIdFor returns the Meshtastic u32 known for a NodeId, if any.
func (m *NodeIdMapper) MeshIdFor(node identity.NodeId) (uint32, bool) {
	return m.reverse.Get(node)
}
