package queue

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/hochfrequenz/pr-snapshot-orchestrator/internal/domain"
)

// NATS is the queue backend for multi-node deployments. Jobs are
// JSON-encoded and consumed through a queue group, so each job is delivered
// to exactly one orchestrator instance.
type NATS struct {
	nc      *nats.Conn
	subject string
	group   string
}

// NewNATS dials the NATS server and returns a queue bound to subject
func NewNATS(url, subject, group string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("snapshot-orch"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Printf("[queue] disconnected from NATS: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[queue] reconnected to NATS at %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATS{nc: nc, subject: subject, group: group}, nil
}

// Publish sends a job on the queue subject
func (n *NATS) Publish(job *domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return n.nc.Publish(n.subject, data)
}

// Subscribe consumes jobs through the queue group
func (n *NATS) Subscribe(handler Handler) error {
	_, err := n.nc.QueueSubscribe(n.subject, n.group, func(msg *nats.Msg) {
		var job domain.Job
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			log.Printf("[queue] dropping undecodable job: %v", err)
			return
		}
		go handler(&job)
	})
	return err
}

// Close shuts down the NATS connection
func (n *NATS) Close() {
	if n.nc != nil {
		n.nc.Close()
	}
}
