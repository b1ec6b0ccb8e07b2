// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package bus wires the internal NATS JetStream fan-out that carries change
// notifications between components: the event store publishes here on every
// durable persist, and the EDU engine, outbound sender, push evaluator and
// watcher subscribe.
package bus

import (
	"fmt"
	"sync"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/palpo-server/palpo/setup/config"
)

// NATSInstance owns the embedded server (when configured) and the client
// connection; a single instance is shared process-wide.
type NATSInstance struct {
	mu     sync.Mutex
	server *natsserver.Server
	nc     *nats.Conn
	js     nats.JetStreamContext
}

// Prepare connects to the configured NATS deployment, starting an embedded
// server when no external addresses are given, and ensures every stream
// exists. Safe to call more than once; later calls return the existing
// connection.
func (n *NATSInstance) Prepare(cfg *config.JetStream) (nats.JetStreamContext, *nats.Conn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.js != nil {
		return n.js, n.nc, nil
	}

	var err error
	if len(cfg.Addresses) == 0 {
		if err = n.startEmbedded(cfg); err != nil {
			return nil, nil, err
		}
		n.nc, err = nats.Connect("", nats.InProcessServer(n.server))
	} else {
		n.nc, err = nats.Connect(joinAddresses(cfg.Addresses),
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(-1),
		)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("bus: connecting to NATS: %w", err)
	}

	n.js, err = n.nc.JetStream()
	if err != nil {
		return nil, nil, fmt.Errorf("bus: obtaining JetStream context: %w", err)
	}
	for _, stream := range streams(cfg) {
		if _, err = n.js.StreamInfo(stream.Name); err != nil {
			if _, err = n.js.AddStream(stream); err != nil {
				return nil, nil, fmt.Errorf("bus: creating stream %q: %w", stream.Name, err)
			}
		}
	}
	return n.js, n.nc, nil
}

func (n *NATSInstance) startEmbedded(cfg *config.JetStream) error {
	opts := &natsserver.Options{
		ServerName:      "palpo",
		DontListen:      true,
		JetStream:       true,
		StoreDir:        cfg.StoragePath,
		NoSystemAccount: true,
	}
	server, err := natsserver.NewServer(opts)
	if err != nil {
		return fmt.Errorf("bus: building embedded NATS server: %w", err)
	}
	server.ConfigureLogger()
	go server.Start()
	if !server.ReadyForConnections(30 * time.Second) {
		return fmt.Errorf("bus: embedded NATS server never became ready")
	}
	logrus.WithField("store_dir", cfg.StoragePath).Info("Started embedded NATS server")
	n.server = server
	return nil
}

// Shutdown drains the connection and stops the embedded server if any.
func (n *NATSInstance) Shutdown() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.nc != nil {
		_ = n.nc.Drain()
		n.nc = nil
		n.js = nil
	}
	if n.server != nil {
		n.server.Shutdown()
		n.server.WaitForShutdown()
		n.server = nil
	}
}

func joinAddresses(addresses []string) string {
	out := ""
	for i, a := range addresses {
		if i != 0 {
			out += ","
		}
		out += a
	}
	return out
}
