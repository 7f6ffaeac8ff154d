// Command httpchanneld is a minimal demonstration host for the httpchannel
// library: it serves a static directory over HTTP/1.1 (and, with -cert and
// -key, over HTTP/2 via ALPN) until a stop signal arrives.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/WhileEndless/httpchannel/internal/signalutil"
	"github.com/WhileEndless/httpchannel/pkg/acceptlang"
	"github.com/WhileEndless/httpchannel/pkg/channel"
	"github.com/WhileEndless/httpchannel/pkg/endpoint"
	"github.com/WhileEndless/httpchannel/pkg/response"
	"github.com/WhileEndless/httpchannel/pkg/server"
	"github.com/WhileEndless/httpchannel/pkg/tlsconfig"
	"github.com/WhileEndless/httpchannel/pkg/urlpath"
)

// servedLanguages is the demo's supported Content-Language set, most
// preferred (default) first.
var servedLanguages = []string{"en", "tr", "de"}

var (
	flagAddress  string
	flagPort     uint16
	flagRoot     string
	flagCertFile string
	flagKeyFile  string
	flagVerbose  bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "httpchanneld",
		Short: "Serve a directory over HTTP/1.1 or HTTP/2 using httpchannel",
		RunE:  runServe,
	}
	cmd.Flags().StringVar(&flagAddress, "address", "0.0.0.0", "listen address")
	cmd.Flags().Uint16Var(&flagPort, "port", 8443, "listen port")
	cmd.Flags().StringVar(&flagRoot, "root", ".", "directory to serve")
	cmd.Flags().StringVar(&flagCertFile, "cert", "", "PEM certificate file (enables TLS/HTTP2)")
	cmd.Flags().StringVar(&flagKeyFile, "key", "", "PEM private key file (enables TLS/HTTP2)")
	cmd.Flags().BoolVar(&flagVerbose, "verbose", false, "debug-level logging")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if flagVerbose {
		log.SetLevel(logrus.DebugLevel)
	}
	entry := logrus.NewEntry(log)

	root, err := filepath.Abs(flagRoot)
	if err != nil {
		return fmt.Errorf("resolving root: %w", err)
	}

	cfg := channel.Config{
		Endpoint: endpoint.New(flagAddress, flagPort),
		Log:      entry,
	}

	if flagCertFile != "" && flagKeyFile != "" {
		certPEM, err := os.ReadFile(flagCertFile)
		if err != nil {
			return fmt.Errorf("reading cert: %w", err)
		}
		keyPEM, err := os.ReadFile(flagKeyFile)
		if err != nil {
			return fmt.Errorf("reading key: %w", err)
		}
		cfg.Variant = channel.VariantHTTP2
		cfg.TLS = &tlsconfig.Material{
			CertPEM:       certPEM,
			KeyPEM:        keyPEM,
			Profile:       tlsconfig.ProfileSecure,
			ALPNProtocols: []string{"h2", "http/1.1"},
		}
	}

	delegate := &staticFileDelegate{root: root, log: entry}
	ch := channel.New(cfg, delegate)

	srv := server.New(entry)
	if err := srv.AddChannel(ch); err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	entry.WithField("addr", ch.LocalAddress()).Info("httpchanneld listening")

	sig := signalutil.WaitForStop()
	entry.WithField("signal", sig.String()).Info("shutting down")
	return srv.Stop()
}

// staticFileDelegate serves files from root, one handler per request, and
// logs connection lifecycle/transport errors.
type staticFileDelegate struct {
	root string
	log  *logrus.Entry
}

func (d *staticFileDelegate) DidStartClient(h *channel.ConnectionHandler) {
	h.SetDelegate(d)
}

func (d *staticFileDelegate) DidStopClient(h *channel.ConnectionHandler, result error) {
	if result != nil && d.log != nil {
		d.log.WithError(result).Debug("client disconnected with error")
	}
}

func (d *staticFileDelegate) OnError(err error) {
	if d.log != nil {
		d.log.WithError(err).Warn("channel transport error")
	}
}

func (d *staticFileDelegate) RequestHandlerFor(head channel.RequestHead) channel.Handler {
	return &staticFileHandler{root: d.root, path: head.Path, acceptLanguage: head.HeaderValue("Accept-Language"), log: d.log}
}

func (d *staticFileDelegate) OnClientIncident(inc channel.ClientIncident) *response.Response {
	return nil
}

type staticFileHandler struct {
	root           string
	path           string
	acceptLanguage string
	log            *logrus.Entry
}

func (h *staticFileHandler) BodyLengthLimit() int64 { return 0 }

func (h *staticFileHandler) OnBodyChunk(chunk []byte) error { return nil }

func (h *staticFileHandler) OnEnd() (*response.Response, error) {
	resp, err := response.FromFile(h.root, urlpath.Standardized(h.path), []string{"index.html"})
	if err != nil {
		nf := response.NotFound()
		return &nf, nil
	}
	if lang, _ := acceptlang.Best(h.acceptLanguage, servedLanguages); lang != "" {
		resp = resp.WithHeader("Content-Language", lang)
	}
	return &resp, nil
}

func (h *staticFileHandler) OnIncident(inc channel.RequestIncident) *response.Response {
	return nil
}

func (h *staticFileHandler) OnError(err error) {
	if h.log != nil {
		h.log.WithError(err).Debug("request error")
	}
}
