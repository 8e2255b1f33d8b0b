// Copyright Project Contour Authors
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

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/istio-ztunnel/ztunnel-core/config"
	"github.com/istio-ztunnel/ztunnel-core/internal/discovery"
	"github.com/istio-ztunnel/ztunnel-core/internal/localconfig"
	"github.com/istio-ztunnel/ztunnel-core/internal/metrics"
	"github.com/istio-ztunnel/ztunnel-core/internal/socket"
	"github.com/istio-ztunnel/ztunnel-core/internal/timeout"
	"github.com/istio-ztunnel/ztunnel-core/internal/workgroup"
	"github.com/istio-ztunnel/ztunnel-core/pkg/certprovider"
	"github.com/istio-ztunnel/ztunnel-core/pkg/drain"
	"github.com/istio-ztunnel/ztunnel-core/pkg/inbound"
	"github.com/istio-ztunnel/ztunnel-core/pkg/reducer"
	"github.com/istio-ztunnel/ztunnel-core/pkg/spiffecerts"
	"github.com/istio-ztunnel/ztunnel-core/pkg/state"
	"github.com/istio-ztunnel/ztunnel-core/pkg/tunnel"
)

// rootCertLifetime is how long the in-process test/dev CA's self-signed
// root is valid for; leaf certificates are reissued on their own much
// shorter cfg.CA.LeafTTL.
const rootCertLifetime = 10 * 365 * 24 * time.Hour

func main() {
	log := logrus.StandardLogger()

	app := kingpin.New("ztunnel", "Zero-trust mTLS tunnel sidecar inbound data plane.")
	app.HelpFlag.Short('h')

	serve, serveCtx := registerServe(app)
	version := app.Command("version", "Build information for ztunnel.")

	switch kingpin.MustParse(app.Parse(os.Args[1:])) {
	case serve.FullCommand():
		if serveCtx.Config.Debug {
			log.SetLevel(logrus.DebugLevel)
		}
		if err := doServe(serveCtx, log); err != nil {
			log.WithError(err).Fatal("ztunnel serve failed")
		}
	case version.FullCommand():
		fmt.Println("ztunnel (development build)")
	}
}

// serveContext bundles the parsed configuration for the serve command,
// mirroring cmd/contour's serveContext: fields not meant for the config
// file stay unexported, everything else is assembled into config.Parameters.
type serveContext struct {
	Config config.Parameters
}

func newServeContext() *serveContext {
	return &serveContext{Config: config.Defaults()}
}

// registerServe wires the serve command's flags, following
// cmd/contour/serve.go's two-pass parse: --config-path is given a post-parse
// Action so a config file, if present, is loaded and merged before any
// later CLI flags on the same command line override it.
func registerServe(app *kingpin.Application) (*kingpin.CmdClause, *serveContext) {
	serve := app.Command("serve", "Run the inbound tunnel data plane.")

	var (
		configFile string
		parsed     bool
	)
	ctx := newServeContext()

	parseConfig := func(_ *kingpin.ParseContext) error {
		if parsed || configFile == "" {
			return nil
		}
		f, err := os.Open(configFile)
		if err != nil {
			return err
		}
		defer f.Close()

		params, err := config.Parse(f)
		if err != nil {
			return err
		}
		if err := params.Validate(); err != nil {
			return fmt.Errorf("invalid ztunnel configuration: %w", err)
		}
		parsed = true
		ctx.Config = *params
		return nil
	}

	serve.Flag("config-path", "Path to base configuration.").Short('c').PlaceHolder("/path/to/file").Action(parseConfig).ExistingFileVar(&configFile)

	serve.Flag("network", "This node's network name.").PlaceHolder("<name>").StringVar(&ctx.Config.Network)
	serve.Flag("node-name", "This node's name, for node-local prefetch and direct-path decisions.").PlaceHolder("<name>").StringVar(&ctx.Config.NodeName)

	serve.Flag("inbound-address", "Address the HBONE listener binds to.").PlaceHolder("<ipaddr:port>").StringVar(&ctx.Config.Inbound.ListenAddr)
	serve.Flag("enable-original-source", "Use the original client source address when dialing upstream.").BoolVar(&ctx.Config.Inbound.EnableOriginalSource)

	serve.Flag("discovery-mode", "Discovery transport: local or grpc.").PlaceHolder("<local|grpc>").StringVar((*string)(&ctx.Config.Discovery.Mode))
	serve.Flag("discovery-local-config", "Path to a static discovery YAML document.").PlaceHolder("/path/to/file").StringVar(&ctx.Config.Discovery.LocalConfigPath)
	serve.Flag("discovery-address", "Control plane gRPC address.").PlaceHolder("<host:port>").StringVar(&ctx.Config.Discovery.Address)

	serve.Flag("ca-trust-domain", "Trust domain for issued SPIFFE identities.").PlaceHolder("<domain>").StringVar(&ctx.Config.CA.TrustDomain)

	serve.Flag("debug", "Enable debug logging.").Short('d').BoolVar(&ctx.Config.Debug)

	return serve, ctx
}

// doServe wires every component per the order in cmd/ztunnel's bring-up:
// state store, optional demand store, certificate authority, reducer,
// certificate provider, inbound listener, discovery transport, metrics and
// health endpoints; all long-running loops are registered on a
// workgroup.Group so the first one to exit shuts the rest down cleanly.
func doServe(ctx *serveContext, log logrus.FieldLogger) error {
	cfg := ctx.Config

	store := state.New()

	ca, err := spiffecerts.NewCA("ztunnel-test-ca."+cfg.CA.TrustDomain, rootCertLifetime, cfg.CA.LeafTTL)
	if err != nil {
		return fmt.Errorf("initializing certificate authority: %w", err)
	}

	reg := prometheus.NewRegistry()
	tunnelMetrics := metrics.NewMetrics(reg)

	var g workgroup.Group
	var fetcher state.OnDemandFetcher

	switch cfg.Discovery.Mode {
	case config.DiscoveryLocal:
		r := reducer.New(store, ca, cfg.NodeName, log)
		if err := localconfig.Load(cfg.Discovery.LocalConfigPath, r); err != nil {
			return fmt.Errorf("loading local discovery config: %w", err)
		}
	case config.DiscoveryGRPC:
		r := reducer.New(store, ca, cfg.NodeName, log)
		conn, err := grpc.NewClient(cfg.Discovery.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return fmt.Errorf("dialing discovery control plane at %s: %w", cfg.Discovery.Address, err)
		}
		transport := discovery.NewTransport(discovery.NewClient(conn), r, log.WithField("context", "discovery"))
		fetcher = transport
		g.AddContext(func(gctx context.Context) {
			if err := transport.Run(gctx); err != nil && gctx.Err() == nil {
				log.WithError(err).Error("discovery transport exited")
			}
		})
	default:
		return fmt.Errorf("unknown discovery mode %q", cfg.Discovery.Mode)
	}

	demand := state.NewDemandStore(store, fetcher)

	certs := certprovider.New(cfg.Network, demand, ca)

	drainer := drain.New()

	handler := &tunnel.Handler{
		Network: cfg.Network,
		Store:   demand,
		Dialer:  tunnel.NetDialer{Timeout: 10 * time.Second},
		Metrics: tunnelMetrics,
		Log:     log.WithField("context", "tunnel"),
	}

	listenerCfg := inbound.Config{
		ListenAddr:           cfg.Inbound.ListenAddr,
		WindowSize:           cfg.Inbound.WindowSize,
		ConnectionWindowSize: cfg.Inbound.ConnectionWindowSize,
		MaxFrameSize:         cfg.Inbound.MaxFrameSize,
		TLSHandshakeTimeout:  timeout.Parse(cfg.Inbound.TLSHandshakeTimeout),
	}
	listener := inbound.New(listenerCfg, certs, socket.PassthroughOps{}, handler, drainer, log.WithField("context", "inbound"))

	g.AddContext(func(gctx context.Context) {
		if err := listener.Serve(gctx); err != nil && gctx.Err() == nil {
			log.WithError(err).Error("inbound listener exited")
		}
	})

	metricsServer := &http.Server{
		Addr:    "127.0.0.1:15090",
		Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	g.Add(func(stop <-chan struct{}) error {
		go func() {
			<-stop
			_ = metricsServer.Close()
		}()
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	log.WithField("address", cfg.Inbound.ListenAddr).Info("ztunnel inbound data plane starting")
	return g.Run()
}
