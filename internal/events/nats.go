package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"histfill/internal/util"
)

// NATSConfig configures a NATSPublisher.
type NATSConfig struct {
	URL           string
	Name          string
	SubjectPrefix string
	Serializer    Serializer
}

// NATSPublisher publishes events on core NATS subjects.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	ser    Serializer
	log    *slog.Logger
}

// NewNATSPublisher connects to cfg.URL. The connection keeps retrying in the
// background, so a server that is down at startup does not fail the process.
func NewNATSPublisher(cfg NATSConfig, log *slog.Logger) (*NATSPublisher, error) {
	log = util.OrDefault(log).With("component", "nats")
	if cfg.Name == "" {
		cfg.Name = "histfill"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "histfill"
	}
	if cfg.Serializer == nil {
		cfg.Serializer = JSONSerializer{}
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.Timeout(5*time.Second),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats %s: %w", cfg.URL, err)
	}
	return &NATSPublisher{nc: nc, prefix: cfg.SubjectPrefix, ser: cfg.Serializer, log: log}, nil
}

// Publish encodes ev and publishes it on its operation subject.
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := p.ser.Marshal(ev)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(Subject(p.prefix, ev))
	msg.Data = data
	msg.Header.Set("Content-Type", p.ser.ContentType())
	msg.Header.Set("Histfill-Operation", ev.Operation.ID)
	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publishing %s: %w", msg.Subject, err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return err
	}
	return nil
}
