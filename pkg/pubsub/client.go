// Package pubsub wraps the Pub/Sub v2 client used when the outbox transport
// is "pubsub": the publisher resolves topics through it and the worker reads
// saga commands and replies from its subscriptions.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cloudphone/txcore/pkg/config"
	"github.com/cloudphone/txcore/pkg/logger"
)

var errProjectIDRequired = errors.New("gcp project id is required")

// Client knows which resources its process depends on. A worker depends on
// its subscriptions; the publisher, which reads nothing, on the topics.
type Client struct {
	client    *pubsub.Client
	projectID string
	topics    []string
	subs      []string
}

// NewClient connects and fails fast when a resource the process depends on
// is missing.
func NewClient(ctx context.Context, gcp config.GCPConfig, cfg config.PubSubConfig, logg *logger.Logger, subscriptions ...string) (*Client, error) {
	projectID := strings.TrimSpace(gcp.ProjectID)
	if projectID == "" {
		return nil, errProjectIDRequired
	}
	raw, err := pubsub.NewClient(ctx, projectID, clientOptions(gcp)...)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	c := &Client{
		client:    raw,
		projectID: projectID,
		topics:    nonEmpty(topicsOf(cfg)),
		subs:      nonEmpty(subscriptions),
	}
	if err := c.Ping(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{
			"project":       projectID,
			"subscriptions": c.subs,
		}), "pubsub client initialized")
	}
	return c, nil
}

func clientOptions(gcp config.GCPConfig) []option.ClientOption {
	if strings.TrimSpace(gcp.CredentialsJSON) == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsJSON([]byte(gcp.CredentialsJSON))}
}

func topicsOf(cfg config.PubSubConfig) []string {
	return []string{
		cfg.UsersTopic,
		cfg.BillingTopic,
		cfg.DevicesTopic,
		cfg.BillingCommandsTopic,
		cfg.DeviceCommandsTopic,
		cfg.UserCommandsTopic,
		cfg.SagaRepliesTopic,
	}
}

func nonEmpty(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// Ping checks the subscriptions when there are any, the topics otherwise.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return errors.New("pubsub client not initialized")
	}
	if len(c.subs) > 0 {
		for _, name := range c.subs {
			_, err := c.client.SubscriptionAdminClient.GetSubscription(ctx, &pubsubpb.GetSubscriptionRequest{
				Subscription: c.resource(kindSubscription, name),
			})
			if lookupErr := describeLookup(kindSubscription, name, err); lookupErr != nil {
				return lookupErr
			}
		}
		return nil
	}
	for _, name := range c.topics {
		_, err := c.client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{
			Topic: c.resource(kindTopic, name),
		})
		if lookupErr := describeLookup(kindTopic, name, err); lookupErr != nil {
			return lookupErr
		}
	}
	return nil
}

func describeLookup(kind, name string, err error) error {
	switch {
	case err == nil:
		return nil
	case status.Code(err) == codes.NotFound:
		return fmt.Errorf("%s %q does not exist", strings.TrimSuffix(kind, "s"), name)
	default:
		return fmt.Errorf("looking up %s %q: %w", strings.TrimSuffix(kind, "s"), name, err)
	}
}

// Subscription returns a subscriber for a subscription id or full resource
// name, or nil when the name is blank.
func (c *Client) Subscription(name string) *pubsub.Subscriber {
	if c == nil || c.client == nil {
		return nil
	}
	if full := c.resource(kindSubscription, name); full != "" {
		return c.client.Subscriber(full)
	}
	return nil
}

// Publisher returns a new publisher for a topic. Each one runs its own
// batching goroutines, so callers keep it and Stop it when done.
func (c *Client) Publisher(name string) *pubsub.Publisher {
	if c == nil || c.client == nil {
		return nil
	}
	if full := c.resource(kindTopic, name); full != "" {
		return c.client.Publisher(full)
	}
	return nil
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

const (
	kindTopic        = "topics"
	kindSubscription = "subscriptions"
)

// resource expands an id to projects/<project>/<kind>/<id>. A name that is
// already a full resource name of that kind is kept, whatever its project.
func (c *Client) resource(kind, name string) string {
	if c == nil {
		return ""
	}
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return ""
	case strings.HasPrefix(name, "projects/") && strings.Contains(name, "/"+kind+"/"):
		return name
	case c.projectID == "":
		return ""
	}
	return "projects/" + c.projectID + "/" + kind + "/" + name
}
