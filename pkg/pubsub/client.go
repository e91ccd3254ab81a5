package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/angelmondragon/novamart-backend/pkg/config"
	"github.com/angelmondragon/novamart-backend/pkg/logger"
)

const defaultPublishTimeout = 30 * time.Second

var (
	errProjectIDRequired = errors.New("gcp project id is required")
	errNoTopic           = errors.New("pubsub domain topic is required")
	errNotInitialized    = errors.New("pubsub client not initialized")
)

// Client publishes settlement events. Publishers are cached per topic and
// keep message ordering on, so events for one order arrive in commit order.
type Client struct {
	client    *pubsub.Client
	projectID string
	cfg       config.PubSubConfig
	timeout   time.Duration

	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
}

// NewClient connects to Pub/Sub and verifies every event topic exists.
func NewClient(ctx context.Context, gcp config.GCPConfig, cfg config.PubSubConfig, logg *logger.Logger) (*Client, error) {
	projectID := strings.TrimSpace(gcp.ProjectID)
	if projectID == "" {
		return nil, errProjectIDRequired
	}

	psClient, err := pubsub.NewClient(ctx, projectID, gcp.ClientOptions()...)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	c := &Client{
		client:     psClient,
		projectID:  projectID,
		cfg:        cfg,
		timeout:    cfg.PublishTimeout,
		publishers: make(map[string]*pubsub.Publisher),
	}
	if c.timeout <= 0 {
		c.timeout = defaultPublishTimeout
	}

	if err := c.ensureTopics(ctx); err != nil {
		_ = psClient.Close()
		return nil, err
	}

	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{
			"domain_topic":  c.DomainTopic(),
			"dispute_topic": c.DisputeTopic(),
		}), "pubsub client initialized")
	}
	return c, nil
}

// DomainTopic returns the topic for order and escrow events.
func (c *Client) DomainTopic() string {
	return strings.TrimSpace(c.cfg.DomainTopic)
}

// DisputeTopic returns the dispute topic, falling back to the domain topic.
func (c *Client) DisputeTopic() string {
	if topic := strings.TrimSpace(c.cfg.DisputeTopic); topic != "" {
		return topic
	}
	return c.DomainTopic()
}

func (c *Client) ensureTopics(ctx context.Context) error {
	if c.DomainTopic() == "" {
		return errNoTopic
	}
	for _, name := range topicNames(c.cfg) {
		fullName := c.topicResourceName(name)
		_, err := c.client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: fullName})
		if err == nil {
			continue
		}
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("topic %q does not exist", name)
		}
		return fmt.Errorf("checking topic %q: %w", name, err)
	}
	return nil
}

func topicNames(cfg config.PubSubConfig) []string {
	names := []string{}
	seen := map[string]struct{}{}
	for _, name := range []string{cfg.DomainTopic, cfg.DisputeTopic} {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		names = append(names, trimmed)
	}
	return names
}

// Publisher returns the ordered publisher for a topic id or resource name.
func (c *Client) Publisher(name string) *pubsub.Publisher {
	if c == nil || c.client == nil {
		return nil
	}
	fullName := c.topicResourceName(name)
	if fullName == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.publishers[fullName]; ok {
		return p
	}
	p := c.client.Publisher(fullName)
	p.EnableMessageOrdering = true
	p.PublishSettings.Timeout = c.timeout
	c.publishers[fullName] = p
	return p
}

// Ping verifies the event topics still exist.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return errNotInitialized
	}
	return c.ensureTopics(ctx)
}

// Close flushes every cached publisher and releases the client.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	c.mu.Lock()
	for name, p := range c.publishers {
		p.Stop()
		delete(c.publishers, name)
	}
	c.mu.Unlock()
	return c.client.Close()
}

func (c *Client) topicResourceName(name string) string {
	n := strings.TrimSpace(name)
	if n == "" {
		return ""
	}
	if strings.HasPrefix(n, "projects/") && strings.Contains(n, "/topics/") {
		return n
	}
	if c.projectID == "" {
		return ""
	}
	return fmt.Sprintf("projects/%s/topics/%s", c.projectID, n)
}
