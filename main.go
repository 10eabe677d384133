/*******************************************************************************
*
* Copyright 2024 The Weft Authors
*
* Licensed under the Apache License, Version 2.0 (the "License");
* you may not use this file except in compliance with the License.
* You should have received a copy of the License along with this
* program. If not, you may obtain a copy of the License at
*
*     http://www.apache.org/licenses/LICENSE-2.0
*
* Unless required by applicable law or agreed to in writing, software
* distributed under the License is distributed on an "AS IS" BASIS,
* WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
* See the License for the specific language governing permissions and
* limitations under the License.
*
*******************************************************************************/

package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	gorp "github.com/go-gorp/gorp/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/httpext"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/osext"

	"github.com/weft-project/weft/internal/api"
	"github.com/weft-project/weft/internal/binder"
	"github.com/weft-project/weft/internal/core"
	"github.com/weft-project/weft/internal/db"
	"github.com/weft-project/weft/internal/metadata"
	"github.com/weft-project/weft/internal/repo"
	"github.com/weft-project/weft/internal/stats"

	_ "github.com/weft-project/weft/internal/decisions"
	_ "github.com/weft-project/weft/internal/probes"
	_ "github.com/weft-project/weft/internal/structures"
)

func main() {
	logg.ShowDebug = osext.GetenvBool("WEFT_DEBUG")

	if len(os.Args) < 3 {
		printUsageAndExit()
	}
	taskName, configPath := os.Args[1], os.Args[2]

	cfg, errs := core.NewConfiguration(configPath)
	if !errs.IsEmpty() {
		for _, err := range errs {
			logg.Error(err.Error())
		}
		logg.Fatal("cannot proceed with invalid configuration")
	}

	var task func(core.Configuration, []string) error
	switch taskName {
	case "serve":
		task = taskServe
	case "check-repo":
		task = taskCheckRepo
	case "test-bind":
		task = taskTestBind
	default:
		printUsageAndExit()
	}

	err := task(cfg, os.Args[3:])
	if err != nil {
		logg.Fatal(err.Error())
	}
}

var usageMessage = strings.ReplaceAll(strings.TrimSpace(`
Usage:
\t%s serve <config-file>
\t%s check-repo <config-file>
\t%s test-bind <config-file> <client-name>
`), `\t`, "\t") + "\n"

func printUsageAndExit() {
	fmt.Fprintln(os.Stderr, strings.ReplaceAll(usageMessage, "%s", os.Args[0]))
	os.Exit(1)
}

// buildPipeline assembles the component graph that all tasks share: the
// repository loader, the plugin set, and the metadata resolver.
func buildPipeline(cfg core.Configuration) (*repo.Loader, core.Capabilities, *metadata.Resolver, *gorp.DbMap, error) {
	loader := repo.NewLoader(cfg.Repository.Path)

	var (
		store metadata.ClientStore
		dbMap *gorp.DbMap
	)
	if cfg.Metadata.UseDatabase {
		var err error
		dbMap, err = db.Init()
		if err != nil {
			return nil, core.Capabilities{}, nil, nil, err
		}
		store = metadata.NewDatabaseClientStore(dbMap)
	} else {
		store = metadata.NewFileClientStore(loader)
	}

	caps, err := core.InstantiatePlugins(cfg, loader)
	if err != nil {
		return nil, core.Capabilities{}, nil, nil, err
	}

	resolver := metadata.NewResolver(cfg, loader, store)
	resolver.SetConnectors(caps.Connectors)
	return loader, caps, resolver, dbMap, nil
}

////////////////////////////////////////////////////////////////////////////////
// task: serve

func taskServe(cfg core.Configuration, args []string) error {
	if len(args) != 0 {
		printUsageAndExit()
	}

	loader, caps, resolver, dbMap, err := buildPipeline(cfg)
	if err != nil {
		return err
	}

	monitor := repo.NewMonitor(cfg.Repository.FileMonitor, loader, resolver.InvalidateAll)
	err = monitor.Start()
	if err != nil {
		return err
	}
	defer monitor.Stop()

	sinks := []core.StatisticsSink{stats.LogSink{}}
	if dbMap != nil {
		sinks = append(sinks, stats.DBSink{DB: dbMap})
	}
	queue := stats.NewQueue(cfg.Stats.QueueSize, sinks...)
	queue.Start()
	defer queue.Stop()

	muxer := http.NewServeMux()
	muxer.Handle("/", httpapi.Compose(
		api.NewV1API(cfg, resolver, caps, queue),
		httpapi.HealthCheckAPI{SkipRequestLog: true},
	))
	muxer.Handle("/metrics", promhttp.Handler())

	ctx := httpext.ContextWithSIGINT(context.Background(), 10*time.Second)
	logg.Info("listening on %s", cfg.Server.Listen)
	if cfg.Server.CertFile != "" {
		return serveTLS(ctx, cfg, muxer)
	}
	return httpext.ListenAndServeContext(ctx, cfg.Server.Listen, muxer)
}

// serveTLS exists because client certificate validation needs a custom TLS
// config: clients may authenticate by certificate, but are not required to.
func serveTLS(ctx context.Context, cfg core.Configuration, handler http.Handler) error {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.Server.CAFile != "" {
		caPEM, err := os.ReadFile(cfg.Server.CAFile)
		if err != nil {
			return err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return fmt.Errorf("no certificates found in %s", cfg.Server.CAFile)
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}

	server := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           handler,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 30 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx) //nolint:errcheck
	}()
	err := server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

////////////////////////////////////////////////////////////////////////////////
// task: check-repo

func taskCheckRepo(cfg core.Configuration, args []string) error {
	if len(args) != 0 {
		printUsageAndExit()
	}

	loader, _, resolver, _, err := buildPipeline(cfg)
	if err != nil {
		return err
	}

	errs := resolver.Check()
	for _, dir := range []string{"Bundler", "Rules", "Decisions"} {
		files, err := loader.ListFiles(dir)
		if err != nil {
			errs.Add(err)
			continue
		}
		for _, file := range files {
			if !strings.HasSuffix(file, ".xml") {
				continue
			}
			_, err := loader.Document(dir + "/" + file)
			errs.Add(err)
		}
	}

	if errs.IsEmpty() {
		logg.Info("repository at %s is consistent", cfg.Repository.Path)
		return nil
	}
	for _, err := range errs {
		logg.Error(err.Error())
	}
	return fmt.Errorf("found %d problem(s) in repository at %s", len(errs), cfg.Repository.Path)
}

////////////////////////////////////////////////////////////////////////////////
// task: test-bind

func taskTestBind(cfg core.Configuration, args []string) error {
	if len(args) != 1 {
		printUsageAndExit()
	}
	clientName := args[0]

	_, caps, resolver, _, err := buildPipeline(cfg)
	if err != nil {
		return err
	}

	ctx := httpext.ContextWithSIGINT(context.Background(), 1*time.Second)
	md, err := resolver.Resolve(ctx, core.Identity{ClaimedName: clientName, CertCN: clientName})
	if err != nil {
		return err
	}

	config, err := api.BuildConfiguration(ctx, cfg, binder.New(caps), caps, md)
	if err != nil {
		return err
	}
	fmt.Println(config.Indent())
	return nil
}
