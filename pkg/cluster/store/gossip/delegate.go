package gossip

import (
	"github.com/bromq-dev/streams/pkg/cluster/types"
	"github.com/hashicorp/memberlist"
	"github.com/vmihailenco/msgpack/v5"
)

// nodeMeta is gossiped as memberlist node metadata.
type nodeMeta struct {
	Addr string            `msgpack:"a"`
	Meta map[string]string `msgpack:"m,omitempty"`
}

// gossipDelegate implements memberlist.Delegate. Only node metadata is used;
// there is no replicated state beyond membership.
type gossipDelegate struct {
	store *Store
}

func (d *gossipDelegate) NodeMeta(limit int) []byte {
	data, err := msgpack.Marshal(nodeMeta{
		Addr: d.store.routingAddr(),
		Meta: d.store.cfg.Meta,
	})
	if err != nil || len(data) > limit {
		d.store.log.Warn("node metadata exceeds limit, advertising address only", "limit", limit)
		data, _ = msgpack.Marshal(nodeMeta{Addr: d.store.routingAddr()})
	}
	return data
}

func (d *gossipDelegate) NotifyMsg(data []byte) {}

func (d *gossipDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }

func (d *gossipDelegate) LocalState(join bool) []byte { return nil }

func (d *gossipDelegate) MergeRemoteState(buf []byte, join bool) {}

// gossipEvents implements memberlist.EventDelegate for node join/leave events.
type gossipEvents struct {
	store *Store
}

func (e *gossipEvents) NotifyJoin(node *memberlist.Node) {
	e.store.log.Info("node joined", "node", node.Name)
	e.store.setNode(nodeInfo(node))
}

func (e *gossipEvents) NotifyLeave(node *memberlist.Node) {
	e.store.log.Info("node left", "node", node.Name)
	e.store.removeNode(node.Name)
}

func (e *gossipEvents) NotifyUpdate(node *memberlist.Node) {
	e.store.setNode(nodeInfo(node))
}

func nodeInfo(node *memberlist.Node) types.NodeInfo {
	var meta nodeMeta
	if err := msgpack.Unmarshal(node.Meta, &meta); err != nil || meta.Addr == "" {
		// Fallback to node name (works in Docker/K8s where hostname is routable)
		meta.Addr = node.Name
	}
	return types.NodeInfo{
		ID:   node.Name,
		Addr: meta.Addr,
		Meta: meta.Meta,
	}
}
