package changes

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// ChangeEvent is the NATS payload emitted for every arrive/leave transition
// so external consumers (billing, occupancy boards) see changes live.
type ChangeEvent struct {
	IP         string    `json:"ip"`
	Channel    string    `json:"channel"`
	SpaceID    string    `json:"space_id"`
	SpaceName  string    `json:"space_name"`
	ChangeType string    `json:"change_type"`
	Confidence *float64  `json:"confidence,omitempty"`
	SnapshotID int64     `json:"snapshot_id"`
	DetectedAt time.Time `json:"detected_at"`
}

// Publisher pushes change events to a broker. A nil *NATSPublisher is a
// valid no-op publisher so the pipeline runs without a broker.
type Publisher interface {
	Publish(event *ChangeEvent) error
}

type NATSPublisher struct {
	conn       *nats.Conn
	subjectFmt string
	maxRetries int
}

// NewNATSPublisher publishes to parking.changes.<ip>.<channel>.
func NewNATSPublisher(conn *nats.Conn, maxRetries int) *NATSPublisher {
	return &NATSPublisher{
		conn:       conn,
		subjectFmt: "parking.changes.%s.%s",
		maxRetries: maxRetries,
	}
}

func (p *NATSPublisher) Publish(event *ChangeEvent) error {
	if p == nil || p.conn == nil {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	subject := fmt.Sprintf(p.subjectFmt, event.IP, event.Channel)
	for i := 0; i <= p.maxRetries; i++ {
		err = p.conn.Publish(subject, data)
		if err == nil {
			return nil
		}

		// Backoff
		time.Sleep(time.Duration(i*100) * time.Millisecond)
	}

	return fmt.Errorf("publish failed after %d retries: %w", p.maxRetries, err)
}
