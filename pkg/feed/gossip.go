package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperspot/pkg/util"
)

const defaultGossipTopic = "hyperspot-market-data"

type GossipConfig struct {
	ListenAddr string   // multiaddr, e.g. /ip4/0.0.0.0/tcp/9000
	Bootstrap  []string // full peer multiaddrs (/ip4/.../tcp/.../p2p/<id>)
	Topic      string
	Logger     *zap.SugaredLogger
}

// GossipSink publishes market data on a libp2p gossipsub topic so that
// read-only peers can mirror the feed.
type GossipSink struct {
	h     host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	log   *zap.SugaredLogger
}

func NewGossipSink(ctx context.Context, cfg GossipConfig) (*GossipSink, error) {
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, err
	}

	log := util.OrNop(cfg.Logger)
	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil {
			log.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	name := cfg.Topic
	if name == "" {
		name = defaultGossipTopic
	}
	topic, err := ps.Join(name)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("join %s: %w", name, err)
	}

	log.Infow("gossip_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr, "topic", name)
	return &GossipSink{h: h, ps: ps, topic: topic, log: log}, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

func (s *GossipSink) Host() host.Host { return s.h }

func (s *GossipSink) Name() string { return "gossip" }

func (s *GossipSink) Publish(ctx context.Context, msg Message) error {
	return s.topic.Publish(ctx, msg.Bytes())
}

// Follow delivers messages published by other peers until ctx is done.
func (s *GossipSink) Follow(ctx context.Context, fn func(Message)) error {
	sub, err := s.topic.Subscribe()
	if err != nil {
		return err
	}
	go func() {
		defer sub.Cancel()
		for {
			m, err := sub.Next(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					s.log.Debugw("gossip_subscription_closed", "err", err)
				}
				return
			}
			if m.ReceivedFrom == s.h.ID() {
				continue
			}
			var msg Message
			if err := json.Unmarshal(m.Data, &msg); err != nil {
				s.log.Warnw("gossip_decode_failed", "from", m.ReceivedFrom.String(), "err", err)
				continue
			}
			fn(msg)
		}
	}()
	return nil
}

func (s *GossipSink) Close() error {
	if err := s.topic.Close(); err != nil {
		s.log.Debugw("gossip_topic_close", "err", err)
	}
	return s.h.Close()
}
