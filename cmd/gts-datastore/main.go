// Copyright 2023 The AppScale Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command gts-datastore serves the datastore wire protocol over HTTP,
// backed by Cassandra and ZooKeeper.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/gocql/gocql"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/logging/gologger"

	"github.com/appscale/gts/orchestrator"
	"github.com/appscale/gts/service"
	"github.com/appscale/gts/storage"
)

var (
	listenAddr     = flag.String("listen", ":4000", "address to serve the datastore API on")
	cassandraHosts = flag.String("cassandra", "127.0.0.1", "comma-separated Cassandra contact points")
	keyspace       = flag.String("keyspace", "appscale", "Cassandra keyspace")
	zkHosts        = flag.String("zk", "127.0.0.1:2181", "comma-separated ZooKeeper servers")
	initSchema     = flag.Bool("init-schema", false, "create missing tables on startup")
	readOnly       = flag.Bool("read-only", false, "start with writes disabled")
)

func main() {
	flag.Parse()
	ctx := gologger.StdConfig.Use(context.Background())
	ctx = logging.SetLevel(ctx, logging.Info)
	if err := run(ctx); err != nil {
		logging.Errorf(ctx, "%s", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cluster := gocql.NewCluster(strings.Split(*cassandraHosts, ",")...)
	cluster.Keyspace = *keyspace
	cluster.Consistency = gocql.Quorum
	session, err := cluster.CreateSession()
	if err != nil {
		return err
	}
	defer session.Close()

	conn, _, err := zk.Connect(strings.Split(*zkHosts, ","), 10*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()

	db := storage.NewDatastore(storage.WrapSession(session))
	if *initSchema {
		if err := db.InitSchema(ctx); err != nil {
			return err
		}
		logging.Infof(ctx, "Schema is up to date")
	}

	svc := service.New(orchestrator.New(db, conn))
	svc.SetReadOnly(*readOnly)

	server := &http.Server{Addr: *listenAddr, Handler: svc.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logging.Infof(ctx, "Serving datastore API on %s", *listenAddr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
