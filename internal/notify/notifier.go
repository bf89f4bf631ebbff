// Package notify is an in-process bus announcing committed instance writes,
// so pollers such as the change feed relay can react without waiting for
// their next tick.
package notify

import (
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arkilian/dicomindex/pkg/types"
)

// EventType is the kind of committed write.
type EventType int

const (
	InstanceStored EventType = iota
	InstanceUpdated
	InstanceDeleted
)

func (t EventType) String() string {
	switch t {
	case InstanceStored:
		return "stored"
	case InstanceUpdated:
		return "updated"
	case InstanceDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Event announces one committed write.
type Event struct {
	Type     EventType
	Instance types.VersionedInstanceIdentifier
}

// Notifier fans events out to subscribers. Publish never blocks: a
// subscriber with a full buffer misses the event.
type Notifier struct {
	subscribers *xsync.MapOf[string, *Subscriber]
	bufferSize  int
}

// Subscriber receives events on C. Partitions restricts delivery to the
// listed partition keys; an empty list receives everything.
type Subscriber struct {
	ID         string
	Partitions []int
	C          chan Event
}

// NewNotifier creates a notifier whose subscriber channels hold bufferSize events.
func NewNotifier(bufferSize int) *Notifier {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Notifier{
		subscribers: xsync.NewMapOf[string, *Subscriber](),
		bufferSize:  bufferSize,
	}
}

// Publish delivers e to every matching subscriber.
func (n *Notifier) Publish(e Event) {
	n.subscribers.Range(func(_ string, sub *Subscriber) bool {
		if sub.matches(e.Instance.PartitionKey) {
			select {
			case sub.C <- e:
			default:
			}
		}
		return true
	})
}

// Subscribe registers a subscriber with a generated ID.
func (n *Notifier) Subscribe(partitions ...int) *Subscriber {
	sub := &Subscriber{
		ID:         uuid.NewString(),
		Partitions: partitions,
		C:          make(chan Event, n.bufferSize),
	}
	n.subscribers.Store(sub.ID, sub)
	return sub
}

// Unsubscribe removes the subscriber and closes its channel.
func (n *Notifier) Unsubscribe(id string) {
	if sub, ok := n.subscribers.LoadAndDelete(id); ok {
		close(sub.C)
	}
}

// Len returns the number of subscribers.
func (n *Notifier) Len() int {
	return n.subscribers.Size()
}

func (s *Subscriber) matches(partitionKey int) bool {
	if len(s.Partitions) == 0 {
		return true
	}
	for _, p := range s.Partitions {
		if p == partitionKey {
			return true
		}
	}
	return false
}
