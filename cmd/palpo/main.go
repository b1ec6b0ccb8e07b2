// Copyright 2017 Vector Creations Ltd
// Copyright 2018 New Vector Ltd
// Copyright 2019-2020 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command palpo is the homeserver daemon. Exit codes: 0 normal shutdown,
// 1 fatal config/database error, 2 bind failure, 3 migration failure
// (spec.md 6, CLI).
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/palpo-server/palpo/eduserver"
	edupostgres "github.com/palpo-server/palpo/eduserver/storage/postgres"
	edushared "github.com/palpo-server/palpo/eduserver/storage/shared"
	edusqlite3 "github.com/palpo-server/palpo/eduserver/storage/sqlite3"
	fedclient "github.com/palpo-server/palpo/federationapi/client"
	"github.com/palpo-server/palpo/federationapi/consumers"
	fedinternal "github.com/palpo-server/palpo/federationapi/federationapiinternal"
	"github.com/palpo-server/palpo/federationapi/keyring"
	"github.com/palpo-server/palpo/federationapi/queue"
	fedpostgres "github.com/palpo-server/palpo/federationapi/storage/postgres"
	fedstorage "github.com/palpo-server/palpo/federationapi/storage/shared"
	fedsqlite3 "github.com/palpo-server/palpo/federationapi/storage/sqlite3"
	"github.com/palpo-server/palpo/internal/bus"
	"github.com/palpo-server/palpo/internal/caching"
	"github.com/palpo-server/palpo/internal/eventcore"
	"github.com/palpo-server/palpo/internal/syncwatch"
	rsinternal "github.com/palpo-server/palpo/roomserver/roomserverinternal"
	rspostgres "github.com/palpo-server/palpo/roomserver/storage/postgres"
	rsshared "github.com/palpo-server/palpo/roomserver/storage/shared"
	rssqlite3 "github.com/palpo-server/palpo/roomserver/storage/sqlite3"
	"github.com/palpo-server/palpo/setup/config"
)

const (
	exitOK        = 0
	exitFatal     = 1
	exitBind      = 2
	exitMigration = 3
)

func main() {
	configPath := flag.String("config", "", "path to the palpo TOML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Error("Invalid configuration")
		os.Exit(exitFatal)
	}
	setupLogging(&cfg.Logging)
	if err = cfg.Global.LoadSigningKey(); err != nil {
		logrus.WithError(err).Error("Unable to load signing key")
		os.Exit(exitFatal)
	}
	origin := eventcore.ServerName(cfg.Global.ServerName)

	caches := caching.NewRistrettoCache(cfg.Cache.MaxSize(), cfg.Cache.MaxAge(), cfg.Cache.EnablePrometheus)

	natsInstance := &bus.NATSInstance{}
	js, nc, err := natsInstance.Prepare(&cfg.Global.JetStream)
	if err != nil {
		logrus.WithError(err).Error("Unable to start internal bus")
		os.Exit(exitFatal)
	}
	defer natsInstance.Shutdown()
	publisher := &bus.Publisher{JS: js, Cfg: &cfg.Global.JetStream}

	rsDB, fedDB, eduDB, err := openDatabases(cfg, caches)
	if err != nil {
		logrus.WithError(err).Error("Unable to open databases")
		if strings.Contains(err.Error(), "migrations") {
			os.Exit(exitMigration)
		}
		os.Exit(exitFatal)
	}

	federationClient := fedclient.NewFederationClient(&cfg.FederationAPI, origin, cfg.Global.KeyPair())
	keys := keyring.NewKeyring(&cfg.FederationAPI, federationClient, fedDB, caches)

	rsAPI := rsinternal.NewRoomserverAPI(
		&cfg.RoomServer, rsDB, caches, keys, federationClient, publisher, cfg.Global.ServerName,
	)
	fedAPI := &fedinternal.FederationInternalAPI{
		Cfg:        &cfg.FederationAPI,
		RSAPI:      rsAPI,
		ServerName: origin,
		KeyPair:    cfg.Global.KeyPair(),
	}

	queues := queue.NewOutgoingQueues(&cfg.FederationAPI, fedDB, rsDB, federationClient, caches, origin)
	outputConsumer := &consumers.OutputRoomEventConsumer{
		Cfg:    &cfg.Global.JetStream,
		JS:     js,
		Queues: queues,
		Rooms:  rsDB,
		Origin: origin,
	}
	if err = outputConsumer.Start(); err != nil {
		logrus.WithError(err).Error("Unable to start federation consumer")
		os.Exit(exitFatal)
	}
	defer outputConsumer.Stop()

	eduServer := eduserver.NewEDUServer(eduDB, publisher, queues, rsDB, origin)
	watcher := syncwatch.NewWatcher(nc, &cfg.Global.JetStream, rsDB)

	// Monolith gathers the per-component APIs; the HTTP routing layers
	// attach to these.
	monolith := &Monolith{
		RoomserverAPI: rsAPI,
		FederationAPI: fedAPI,
		EDUServer:     eduServer,
		Watcher:       watcher,
		Queues:        queues,
	}

	listener, err := net.Listen("tcp", cfg.Global.BindAddress)
	if err != nil {
		logrus.WithError(err).WithField("address", cfg.Global.BindAddress).Error("Unable to bind")
		os.Exit(exitBind)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/_matrix/key/v2/server", func(w http.ResponseWriter, _ *http.Request) {
		serveOwnKeys(w, cfg)
	})
	monolith.Attach(mux)
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 30 * time.Second}

	go func() {
		logrus.WithFields(logrus.Fields{
			"server_name": cfg.Global.ServerName,
			"address":     cfg.Global.BindAddress,
		}).Info("palpo is ready to serve")
		if serveErr := server.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			logrus.WithError(serveErr).Error("HTTP server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logrus.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	os.Exit(exitOK)
}

func setupLogging(cfg *config.Logging) {
	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}

func openDatabases(cfg *config.Config, caches *caching.Caches) (*rsshared.Database, fedstorage.Database, edushared.Database, error) {
	if cfg.Global.Database.IsPostgres() {
		rsDB, err := rspostgres.Open(&cfg.Global.Database, caches)
		if err != nil {
			return nil, nil, nil, err
		}
		fedDB, err := fedpostgres.Open(&cfg.Global.Database)
		if err != nil {
			return nil, nil, nil, err
		}
		eduDB, err := edupostgres.Open(&cfg.Global.Database)
		if err != nil {
			return nil, nil, nil, err
		}
		return rsDB, fedDB, eduDB, nil
	}
	rsDB, err := rssqlite3.Open(&cfg.Global.Database, caches)
	if err != nil {
		return nil, nil, nil, err
	}
	fedDB, err := fedsqlite3.Open(&cfg.Global.Database)
	if err != nil {
		return nil, nil, nil, err
	}
	eduDB, err := edusqlite3.Open(&cfg.Global.Database)
	if err != nil {
		return nil, nil, nil, err
	}
	return rsDB, fedDB, eduDB, nil
}

// Monolith gathers every component API in one process; the client and
// federation routing layers dispatch into these.
type Monolith struct {
	RoomserverAPI *rsinternal.RoomserverAPI
	FederationAPI *fedinternal.FederationInternalAPI
	EDUServer     *eduserver.EDUServer
	Watcher       *syncwatch.Watcher
	Queues        *queue.OutgoingQueues
}

// Attach registers the handlers this binary serves itself. The full
// client/federation routing surface is provided by the routing packages
// built on top of these APIs.
func (m *Monolith) Attach(mux *http.ServeMux) {
	mux.HandleFunc("/_matrix/federation/version", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"server":{"name":"palpo","version":"0.1.0"}}`))
	})
}

// serveOwnKeys answers /_matrix/key/v2/server with this server's signed
// key response.
func serveOwnKeys(w http.ResponseWriter, cfg *config.Config) {
	publicKey := cfg.Global.PrivateKey.Public().(ed25519.PublicKey)
	response := map[string]interface{}{
		"server_name":    cfg.Global.ServerName,
		"valid_until_ts": time.Now().UnixMilli() + cfg.Global.KeyValidityPeriodMS,
		"verify_keys": map[string]interface{}{
			string(cfg.Global.KeyID): map[string]string{
				"key": eventcore.UnpaddedBase64Encode(publicKey),
			},
		},
		"old_verify_keys": map[string]interface{}{},
	}
	raw, err := json.Marshal(response)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	signed, err := eventcore.SignJSON(eventcore.ServerName(cfg.Global.ServerName), cfg.Global.KeyPair(), raw)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(signed)
}
