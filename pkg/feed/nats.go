package feed

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// NatsSink publishes to subject "<prefix>.<topic>" with the symbol dash kept,
// e.g. "hyperspot.trades.ES-USD".
type NatsSink struct {
	nc     *nats.Conn
	prefix string
}

func NewNatsSink(url, prefix string) (*NatsSink, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url, nats.Name("hyperspot-feed"))
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	if prefix == "" {
		prefix = "hyperspot"
	}
	return &NatsSink{nc: nc, prefix: prefix}, nil
}

func (s *NatsSink) Name() string { return "nats" }

// Subject maps a topic to a NATS subject
func (s *NatsSink) Subject(topic string) string {
	// owners and symbols never contain '.', but strip spaces and wildcards
	r := strings.NewReplacer(" ", "_", "*", "_", ">", "_")
	return s.prefix + "." + r.Replace(topic)
}

func (s *NatsSink) Publish(_ context.Context, msg Message) error {
	return s.nc.Publish(s.Subject(msg.Topic), msg.Bytes())
}

func (s *NatsSink) Close() error {
	if err := s.nc.Flush(); err != nil {
		s.nc.Close()
		return err
	}
	s.nc.Close()
	return nil
}
