// Command noexd starts one cluster node from flags or a seed list and
// blocks until it receives SIGINT/SIGTERM, draining gracefully on exit.
//
// Example:
//
//	noexd -name node1 -host 127.0.0.1 -port 4369
//	noexd -name node2 -host 127.0.0.1 -port 4370 -seeds node1@127.0.0.1:4369
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/noexrun/noex/cluster"
	"github.com/sirupsen/logrus"
)

func main() {
	var (
		name          = flag.String("name", "", "local node name (required)")
		host          = flag.String("host", "0.0.0.0", "bind address")
		port          = flag.Int("port", 4369, "listen port")
		seeds         = flag.String("seeds", "", "comma-separated seed node identifiers (name@host:port)")
		secret        = flag.String("secret", "", "cluster secret enabling HMAC-signed envelopes")
		debugHTTPAddr = flag.String("debug-http", "", "address to serve the observer's debug HTTP surface on, empty disables it")
	)
	flag.Parse()

	log := logrus.WithField("component", "noexd")

	var seedList []string
	if *seeds != "" {
		seedList = strings.Split(*seeds, ",")
	}

	cl, err := cluster.New(cluster.Config{
		NodeName:      *name,
		Host:          *host,
		Port:          *port,
		Seeds:         seedList,
		ClusterSecret: *secret,
	})
	if err != nil {
		log.WithError(err).Fatal("invalid cluster configuration")
	}

	if err := cl.Start(); err != nil {
		log.WithError(err).Fatal("failed to start cluster node")
	}
	log.WithField("nodeId", cl.LocalID().String()).Info("cluster node started")

	if *debugHTTPAddr != "" {
		go func() {
			if err := http.ListenAndServe(*debugHTTPAddr, cl.Observer().Router()); err != nil {
				log.WithError(err).Warn("debug HTTP surface stopped")
			}
		}()
		log.WithField("addr", *debugHTTPAddr).Info("observer debug HTTP surface listening")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	if err := cl.Stop(); err != nil {
		log.WithError(err).Error("error during shutdown")
		os.Exit(1)
	}
}
