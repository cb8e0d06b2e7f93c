package bus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
)

const natsSubjectPrefix = "relay.group."

// NATSBus is a Bus backed by NATS core pub/sub, for deployments where the
// broadcast fabric spans processes. Groups map to subjects under
// "relay.group.", events travel as JSON.
//
// Ownership model: NATSBus does NOT own the connection; the caller closes it.
type NATSBus struct {
	log *slog.Logger
	nc  *nats.Conn
}

// NewNATSBus constructs a NATS-backed bus over an established connection.
func NewNATSBus(log *slog.Logger, nc *nats.Conn) (*NATSBus, error) {
	if nc == nil {
		return nil, errors.New("bus: nil nats connection")
	}
	if log == nil {
		log = slog.Default()
	}
	return &NATSBus{log: log, nc: nc}, nil
}

// Publish marshals evt and publishes it on the group's subject.
func (b *NATSBus) Publish(ctx context.Context, group string, evt Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return b.nc.Publish(groupSubject(group), data)
}

// Subscribe registers fn for every event published to group.
func (b *NATSBus) Subscribe(group string, fn Handler) (Subscription, error) {
	if fn == nil {
		return nil, errors.New("bus: nil handler")
	}

	sub, err := b.nc.Subscribe(groupSubject(group), func(msg *nats.Msg) {
		var evt Event
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			b.log.Warn("bus.nats.decode.fail", "group", group, "err", err)
			return
		}
		fn(evt)
	})
	if err != nil {
		return nil, err
	}
	return natsSub{sub: sub}, nil
}

type natsSub struct {
	sub *nats.Subscription
}

func (s natsSub) Unsubscribe() error {
	if !s.sub.IsValid() {
		return nil
	}
	return s.sub.Unsubscribe()
}

// groupSubject maps a group name to a NATS subject. Group names may contain
// characters that are token separators or wildcards in NATS subjects; those
// are rewritten so every group stays a single literal token.
func groupSubject(group string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return natsSubjectPrefix + r.Replace(group)
}
