package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/tidewatch/smartsos/shared"
)

const (
	PeerEventType      = "sos.peer_alert"
	AuthorityEventType = "sos.escalated"
)

// Publisher is the subset of *nats.Conn the gateway needs.
type Publisher interface {
	Publish(subj string, data []byte) error
}

type Event struct {
	Type    string  `json:"type"`
	PeerID  string  `json:"peer_id,omitempty"`
	Summary Summary `json:"summary"`
}

// NatsGateway publishes peer alerts on <prefix>.peer.<peer id> and escalations
// on <prefix>.authority, for push relays subscribed to those subjects.
type NatsGateway struct {
	conn   Publisher
	prefix string
}

func NewNatsGateway(conn Publisher, subjectPrefix string) *NatsGateway {
	if subjectPrefix == "" {
		subjectPrefix = "sos"
	}
	return &NatsGateway{conn: conn, prefix: subjectPrefix}
}

func (g *NatsGateway) NotifyPeer(_ context.Context, peerUserID string, s Summary) error {
	subject := fmt.Sprintf("%s.peer.%s", g.prefix, subjectToken(peerUserID))
	return g.publish(subject, Event{Type: PeerEventType, PeerID: peerUserID, Summary: s})
}

func (g *NatsGateway) NotifyAuthority(_ context.Context, s Summary) error {
	return g.publish(g.prefix+".authority", Event{Type: AuthorityEventType, Summary: s})
}

func (g *NatsGateway) publish(subject string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if err := g.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %v: %v", subject, err)
	}

	return nil
}

// ConnectNATS dials the configured server with reconnect handling.
func ConnectNATS(cfg shared.NatsConfig) (*nats.Conn, error) {
	options := []nats.Option{
		nats.Name("smartsos"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logg.Warnf("NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logg.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logg.Info("NATS connection closed")
		}),
	}

	nc, err := nats.Connect(cfg.URL, options...)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to NATS: %w", err)
	}

	return nc, nil
}

// subjectToken makes an opaque user id safe to use as one subject token.
func subjectToken(id string) string {
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(id)
}
