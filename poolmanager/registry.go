package poolmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// lifecycleEvent mirrors one pool's creation or shutdown, published so
// any number of out-of-process watchers can track which origins this
// process currently pools connections to. Unclean is only meaningful
// for a "shutdown" event: it carries the same bit §7's
// pool-did-shutdown(unclean) notification exists to report — whether
// any request was still waiting or any connection still had a request
// in flight at the moment shutdown was requested.
type lifecycleEvent struct {
	Origin    string `json:"origin"`
	Kind      string `json:"kind"`
	Unclean   bool   `json:"unclean,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Registry publishes pool lifecycle events under a key prefix in etcd,
// the same put-and-forget discipline task_publisher.go uses to hand
// tasks to etcd rather than to a direct RPC.
type Registry struct {
	client  *clientv3.Client
	prefix  string
	timeout time.Duration
}

// NewRegistry builds a Registry. prefix is an etcd key prefix such as
// "/connpool/pools/".
func NewRegistry(client *clientv3.Client, prefix string) *Registry {
	return &Registry{client: client, prefix: prefix, timeout: 5 * time.Second}
}

func (r *Registry) publish(origin, kind string, unclean bool) {
	ev := lifecycleEvent{Origin: origin, Kind: kind, Unclean: unclean, Timestamp: nowUnix()}
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Errorf("connpool/poolmanager: marshal lifecycle event for %s: %v", origin, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	key := fmt.Sprintf("%s%s", r.prefix, origin)
	if _, err := r.client.Put(ctx, key, string(payload)); err != nil {
		log.Errorf("connpool/poolmanager: publish %s event for %s: %v", kind, origin, err)
	}
}

// PublishCreated records that origin's pool now exists.
func (r *Registry) PublishCreated(origin string) { r.publish(origin, "created", false) }

// PublishShutdown records that origin's pool has shut down, and whether
// the shutdown was unclean (some request was still waiting, or some
// connection still had a request in flight, when shutdown began).
func (r *Registry) PublishShutdown(origin string, unclean bool) {
	r.publish(origin, "shutdown", unclean)
}

// nowUnix is a seam so event timestamps stay deterministic under test;
// production code always takes the time.Now branch.
var nowUnix = func() int64 { return time.Now().Unix() }
