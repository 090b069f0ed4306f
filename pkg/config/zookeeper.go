package config

import (
	"fmt"
	"time"

	"github.com/go-zookeeper/zk"
)

// zkSessionTimeout is the zookeeper session timeout. Watches survive
// connection blips shorter than this.
const zkSessionTimeout = 10 * time.Second

// zkWatchRetryDelay paces re-arming a watch after a transient error.
const zkWatchRetryDelay = 2 * time.Second

// ZookeeperProvider reads configuration bytes from a zookeeper node
// and exposes data-change watches. It implements the koanf provider
// and watcher interfaces.
type ZookeeperProvider struct {
	conn      *zk.Conn
	path      string
	endpoints []string
}

// NewZookeeperProvider connects to the ensemble and targets one node.
func NewZookeeperProvider(endpoints []string, path string) (*ZookeeperProvider, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("zookeeper endpoints are required")
	}
	if path == "" {
		return nil, fmt.Errorf("zookeeper path is required")
	}

	conn, _, err := zk.Connect(endpoints, zkSessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to zookeeper: %w", err)
	}

	return &ZookeeperProvider{
		conn:      conn,
		path:      path,
		endpoints: endpoints,
	}, nil
}

// ReadBytes returns the node's current data.
func (p *ZookeeperProvider) ReadBytes() ([]byte, error) {
	data, _, err := p.conn.Get(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read zookeeper path %s: %w", p.path, err)
	}
	return data, nil
}

// Read is unsupported; the provider serves raw bytes for a parser.
func (p *ZookeeperProvider) Read() (map[string]interface{}, error) {
	return nil, fmt.Errorf("zookeeper provider does not support Read, use a parser")
}

// Watch re-arms a data watch on the node and invokes the callback on
// every change. It returns when the node is deleted or the watch is
// permanently lost.
func (p *ZookeeperProvider) Watch(cb func(event interface{}, err error)) error {
	for {
		_, _, eventCh, err := p.conn.GetW(p.path)
		if err != nil {
			cb(nil, fmt.Errorf("failed to watch zookeeper path %s: %w", p.path, err))
			time.Sleep(zkWatchRetryDelay)
			continue
		}

		event := <-eventCh
		switch event.Type {
		case zk.EventNodeDataChanged:
			cb(nil, nil)
		case zk.EventNodeDeleted:
			cb(nil, fmt.Errorf("zookeeper node %s was deleted", p.path))
			return nil
		case zk.EventNotWatching:
			cb(nil, fmt.Errorf("zookeeper watch lost for path %s", p.path))
			return nil
		}
	}
}

// Close tears down the zookeeper connection.
func (p *ZookeeperProvider) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
