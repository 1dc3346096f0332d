package dispatcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

const clusterGaugeChannel = "roma:dispatcher:pending"

// clusterSample is one process's self-reported pending-request count,
// published on clusterGaugeChannel so every Dispatcher in a fleet can see
// the fleet-wide total against a single shared queue-depth budget.
type clusterSample struct {
	NodeID  string `json:"node_id"`
	Pending int64  `json:"pending"`
}

// ClusterGauge publishes this Dispatcher's pending-request count to Redis
// and tracks the most recent sample from every other node publishing on
// the same channel, grounded on the teacher's RedisNotifier
// (internal/queue/redis_notifier.go) PUBLISH/SUBSCRIBE fan-out, repurposed
// from queue-signal delivery to gauge replication. This is strictly
// optional and does not change admission: a Dispatcher enforces only its
// own MaxPendingRequests whether or not a ClusterGauge is configured, and
// exposes the fleet-wide total through FleetPendingRequests.
type ClusterGauge struct {
	client *redis.Client
	nodeID string
	log    *slog.Logger

	mu      sync.RWMutex
	remote  map[string]int64
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewClusterGauge starts subscribing to clusterGaugeChannel on client.
// nodeID identifies this process's own samples so a node never counts
// itself twice when computing FleetTotal.
func NewClusterGauge(client *redis.Client, nodeID string, log *slog.Logger) *ClusterGauge {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &ClusterGauge{
		client:  client,
		nodeID:  nodeID,
		log:     log,
		remote:  make(map[string]int64),
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
	go g.listen(ctx)
	return g
}

func (g *ClusterGauge) listen(ctx context.Context) {
	defer close(g.stopped)
	pubsub := g.client.Subscribe(ctx, clusterGaugeChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var sample clusterSample
			if err := json.Unmarshal([]byte(msg.Payload), &sample); err != nil {
				g.log.Warn("dispatcher: discarding malformed cluster gauge sample", "err", err)
				continue
			}
			if sample.NodeID == g.nodeID {
				continue
			}
			g.mu.Lock()
			g.remote[sample.NodeID] = sample.Pending
			g.mu.Unlock()
		}
	}
}

// Publish broadcasts this node's current pending count. Callers are
// expected to call it periodically (e.g. once per Invoke admission) or on
// a fixed tick; a missed publish only means other nodes see a stale
// sample for this node, it never blocks local admission.
func (g *ClusterGauge) Publish(ctx context.Context, pending int64) error {
	payload, err := json.Marshal(clusterSample{NodeID: g.nodeID, Pending: pending})
	if err != nil {
		return err
	}
	return g.client.Publish(ctx, clusterGaugeChannel, payload).Err()
}

// FleetTotal sums the most recent sample seen from every other node plus
// localPending, the caller's own current count.
func (g *ClusterGauge) FleetTotal(localPending int64) int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	total := localPending
	for _, v := range g.remote {
		total += v
	}
	return total
}

// Close stops the subscription goroutine and waits for it to exit.
func (g *ClusterGauge) Close() error {
	g.cancel()
	select {
	case <-g.stopped:
	case <-time.After(5 * time.Second):
	}
	return g.client.Close()
}
