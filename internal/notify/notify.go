// Package notify carries Postgres LISTEN/NOTIFY traffic between processes:
// job wakeups for the worker and session events for the API's sockets.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/saeid-a/DocAvailableBack/internal/models"
	"github.com/saeid-a/DocAvailableBack/internal/repository"
	"go.uber.org/zap"
)

// Publisher sends session events on a NOTIFY channel.
type Publisher struct {
	db      repository.DBTX
	channel string
}

func NewPublisher(db repository.DBTX, channel string) *Publisher {
	return &Publisher{db: db, channel: channel}
}

func (p *Publisher) Publish(ctx context.Context, event models.SessionEvent) error {
	if p.channel == "" {
		return nil
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := p.db.Exec(ctx, `SELECT pg_notify($1, $2)`, p.channel, string(raw)); err != nil {
		return fmt.Errorf("notify %s: %w", p.channel, err)
	}
	return nil
}

func DecodeEvent(payload string) (models.SessionEvent, error) {
	var event models.SessionEvent
	err := json.Unmarshal([]byte(payload), &event)
	return event, err
}

// Handler receives one notification. An empty channel means the connection
// was re-established and notifications may have been missed.
type Handler func(channel, payload string)

// Listener holds a dedicated lib/pq connection subscribed to channels.
type Listener struct {
	dsn      string
	channels []string
	log      *zap.Logger
}

func NewListener(dsn string, logger *zap.Logger, channels ...string) *Listener {
	active := make([]string, 0, len(channels))
	for _, ch := range channels {
		if ch != "" {
			active = append(active, ch)
		}
	}
	return &Listener{dsn: dsn, channels: active, log: logger}
}

// Run delivers notifications to handle until ctx is cancelled.
func (l *Listener) Run(ctx context.Context, handle Handler) error {
	if len(l.channels) == 0 {
		<-ctx.Done()
		return nil
	}

	listener := pq.NewListener(l.dsn, 2*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
			l.log.Warn("notify listener connection problem", zap.Error(err))
		case pq.ListenerEventReconnected:
			l.log.Info("notify listener reconnected")
		}
	})
	defer listener.Close()

	for _, ch := range l.channels {
		if err := listener.Listen(ch); err != nil {
			return fmt.Errorf("listen %s: %w", ch, err)
		}
	}
	l.log.Info("notify listener started", zap.Strings("channels", l.channels))

	keepalive := time.NewTicker(90 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			if n == nil {
				handle("", "")
				continue
			}
			handle(n.Channel, n.Extra)
		case <-keepalive.C:
			go func() {
				if err := listener.Ping(); err != nil {
					l.log.Warn("notify listener ping failed", zap.Error(err))
				}
			}()
		}
	}
}
