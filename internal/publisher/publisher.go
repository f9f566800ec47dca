// Package publisher selects where page events are sent.
package publisher

import (
	"context"
	"fmt"
	"strings"

	"github.com/JakeFAU/frontier-crawler/internal/crawler"
	"github.com/JakeFAU/frontier-crawler/internal/publisher/kafka"
	"github.com/JakeFAU/frontier-crawler/internal/publisher/memory"
	"github.com/JakeFAU/frontier-crawler/internal/publisher/pubsub"
)

// Backend names.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendPubSub = "pubsub"
	BackendKafka  = "kafka"
)

// Config selects the event backend.
type Config struct {
	Backend string
	Topic   string
	PubSub  pubsub.Config
	Kafka   kafka.Config
}

// Open returns the configured publisher, or nil for BackendNone. The close
// func is never nil.
func Open(ctx context.Context, cfg Config) (crawler.Publisher, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(cfg.Backend) {
	case "", BackendNone:
		return nil, noop, nil
	case BackendMemory:
		return memory.New(), noop, nil
	case BackendPubSub:
		psCfg := cfg.PubSub
		if psCfg.Topic == "" {
			psCfg.Topic = cfg.Topic
		}
		p, err := pubsub.Open(ctx, psCfg)
		if err != nil {
			return nil, noop, err
		}
		return p, p.Close, nil
	case BackendKafka:
		kCfg := cfg.Kafka
		if kCfg.Topic == "" {
			kCfg.Topic = cfg.Topic
		}
		p, err := kafka.New(kCfg)
		if err != nil {
			return nil, noop, err
		}
		return p, p.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown publisher backend %q", cfg.Backend)
	}
}
