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

// Command gts-groomer runs the background consistency repair worker:
// stale index cleanup and scatter property population.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/gocql/gocql"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/logging/gologger"

	"github.com/appscale/gts/coordination"
	"github.com/appscale/gts/groomer"
	"github.com/appscale/gts/storage"
)

var (
	cassandraHosts = flag.String("cassandra", "127.0.0.1", "comma-separated Cassandra contact points")
	keyspace       = flag.String("keyspace", "appscale", "Cassandra keyspace")
	zkHosts        = flag.String("zk", "127.0.0.1:2181", "comma-separated ZooKeeper servers")
	projects       = flag.String("projects", "", "comma-separated projects to groom")
	interval       = flag.Duration("interval", groomer.DefaultInterval, "time between grooming passes")
)

func main() {
	flag.Parse()
	ctx := gologger.StdConfig.Use(context.Background())
	ctx = logging.SetLevel(ctx, logging.Info)
	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Errorf(ctx, "%s", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *projects == "" {
		return errors.New("at least one project is required")
	}

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

	g := groomer.New(groomer.Options{
		Storage:   storage.NewDatastore(storage.WrapSession(session)),
		Conn:      conn,
		TxManager: coordination.NewTransactionManager(conn),
		Indexes:   coordination.NewIndexManager(conn),
		Interval:  *interval,
	})
	return g.Run(ctx, strings.Split(*projects, ","))
}
