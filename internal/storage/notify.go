package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/aoipipe/internal/model"
)

// ChannelPipeline carries pipeline progress envelopes between instances.
const ChannelPipeline = "aoi_pipeline"

// maxNotifyPayload is the Postgres limit on a NOTIFY payload, in bytes.
const maxNotifyPayload = 8000

// ListenEvents subscribes the dedicated notify connection to ChannelPipeline.
func (db *DB) ListenEvents(ctx context.Context) error {
	conn := db.conn()
	if conn == nil {
		return ErrNoNotifyConn
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ChannelPipeline}.Sanitize()); err != nil {
		return fmt.Errorf("storage: listen %s: %w", ChannelPipeline, err)
	}
	return nil
}

// WaitForEvent blocks until a pipeline event arrives on the notify
// connection. Notifications on other channels are skipped. A payload that is
// not a valid envelope is reported as ErrMalformedNotification; the
// connection stays usable.
func (db *DB) WaitForEvent(ctx context.Context) (model.Event, error) {
	conn := db.conn()
	if conn == nil {
		return nil, ErrNoNotifyConn
	}
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return nil, fmt.Errorf("storage: wait for notification: %w", err)
		}
		if n.Channel != ChannelPipeline {
			continue
		}
		ev, err := model.UnmarshalEnvelope([]byte(n.Payload))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
		}
		return ev, nil
	}
}

// PublishEvent sends ev to every listening instance with pg_notify.
func (db *DB) PublishEvent(ctx context.Context, ev model.Event) error {
	payload, err := model.MarshalEnvelope(ev)
	if err != nil {
		return fmt.Errorf("storage: encode %s: %w", ev.EventName(), err)
	}
	if len(payload) >= maxNotifyPayload {
		return fmt.Errorf("storage: notify %s: payload of %d bytes exceeds limit", ev.EventName(), len(payload))
	}
	if _, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", ChannelPipeline, string(payload)); err != nil {
		return fmt.Errorf("storage: notify %s: %w", ev.EventName(), err)
	}
	return nil
}
