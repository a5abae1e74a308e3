package instances

import (
	"context"
	"encoding/json"
	"fmt"

	redis "github.com/redis/go-redis/v9"
)

const (
	channelAdded   = "wa:instances:added"
	channelRemoved = "wa:instances:removed"
)

// notification is the payload published on both pub/sub channels.
type notification struct {
	InstanceName   string `json:"instance_name"`
	OrganizationID string `json:"organization_id"`
}

// Notifier publishes instance lifecycle events so worker processes can
// warm or tear down local state without polling the registry.
type Notifier struct {
	client *redis.Client
}

func NewNotifier(client *redis.Client) *Notifier {
	return &Notifier{client: client}
}

func (n *Notifier) NotifyAdded(ctx context.Context, instanceName, organizationID string) error {
	return n.publish(ctx, channelAdded, instanceName, organizationID)
}

func (n *Notifier) NotifyRemoved(ctx context.Context, instanceName, organizationID string) error {
	return n.publish(ctx, channelRemoved, instanceName, organizationID)
}

func (n *Notifier) publish(ctx context.Context, channel, instanceName, organizationID string) error {
	payload, err := json.Marshal(notification{InstanceName: instanceName, OrganizationID: organizationID})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := n.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish on %s: %w", channel, err)
	}
	return nil
}

// SubscribeAdded returns a channel of instance names added, for worker
// processes that want to react to new instances without restarting.
func (n *Notifier) SubscribeAdded(ctx context.Context) <-chan string {
	return n.subscribe(ctx, channelAdded)
}

// SubscribeRemoved returns a channel of instance names removed.
func (n *Notifier) SubscribeRemoved(ctx context.Context) <-chan string {
	return n.subscribe(ctx, channelRemoved)
}

func (n *Notifier) subscribe(ctx context.Context, channel string) <-chan string {
	sub := n.client.Subscribe(ctx, channel)
	out := make(chan string)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var note notification
				if err := json.Unmarshal([]byte(msg.Payload), &note); err != nil {
					continue
				}
				select {
				case out <- note.InstanceName:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
