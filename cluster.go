package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// cluster relays applied changes between hub nodes over a redis channel so
// devices of one user may connect to different nodes.
type cluster struct {
	rdb     *redis.Client
	name    string
	channel string
	log     *zap.SugaredLogger

	out    chan ClusterMessage
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newCluster(cfg RedisConfig) (*cluster, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Host,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		PoolTimeout:  30 * time.Second,
	})
	if cfg.Name == "" {
		cfg.Name = time.Now().Format("Node-20060102150405.000")
	}
	if cfg.Channel == "" {
		cfg.Channel = cfg.Name
	}
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &cluster{
		rdb:     rdb,
		name:    cfg.Name,
		channel: cfg.Channel,
		log:     zap.S().With("method", "cluster", "node", cfg.Name, "channel", cfg.Channel),
		out:     make(chan ClusterMessage, 1024),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func encodeClusterMessage(m ClusterMessage) ([]byte, error) {
	return msgpack.Marshal(&m)
}

func decodeClusterMessage(b []byte) (ClusterMessage, error) {
	var m ClusterMessage
	err := msgpack.Unmarshal(b, &m)
	return m, err
}

// start runs the publisher and the subscriber. deliver is called with every
// message published by another node.
func (c *cluster) start(deliver func(ClusterMessage)) {
	c.wg.Add(2)
	go c.publishLoop()
	go c.receiveLoop(deliver)
	c.log.Info("cluster enabled")
}

// publish queues m without blocking the caller.
func (c *cluster) publish(m ClusterMessage) {
	m.NodeName = c.name
	select {
	case c.out <- m:
	default:
		c.log.Warnw("cluster outbox full, dropping", "user", m.UserID, "collection", m.Collection)
	}
}

func (c *cluster) publishLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case m := <-c.out:
			data, err := encodeClusterMessage(m)
			if err != nil {
				c.log.Errorw("encode", "error", err)
				continue
			}
			if err := c.rdb.Publish(c.ctx, c.channel, data).Err(); err != nil {
				c.log.Errorw("publish", "error", err)
			}
		}
	}
}

func (c *cluster) receiveLoop(deliver func(ClusterMessage)) {
	defer c.wg.Done()
	for c.ctx.Err() == nil {
		c.receive(deliver)
		select {
		case <-c.ctx.Done():
		case <-time.After(time.Second):
		}
	}
}

func (c *cluster) receive(deliver func(ClusterMessage)) {
	defer func() {
		if err := recover(); err != nil {
			c.log.Errorw("receive panic", "error", err)
		}
	}()
	sub := c.rdb.Subscribe(c.ctx, c.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				c.log.Warn("subscription closed, resubscribing")
				return
			}
			m, err := decodeClusterMessage([]byte(msg.Payload))
			if err != nil {
				c.log.Errorw("decode", "error", err)
				continue
			}
			if m.NodeName == c.name {
				continue
			}
			c.log.Debugw("receive", "from", m.NodeName, "type", m.Type, "user", m.UserID, "collection", m.Collection)
			deliver(m)
		}
	}
}

func (c *cluster) Close() {
	c.cancel()
	c.wg.Wait()
	c.rdb.Close()
}
