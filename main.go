// Rendezvous, an ephemeral offer/answer mailbox for p2p connection setup.
// License AGPL3

package main

import (
	"crypto/tls"
	"fmt"
	"html/template"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	rice "github.com/GeertJohan/go.rice"
	"github.com/fsnotify/fsnotify"
	"github.com/go-chi/chi"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/providers/rawbytes"
	flag "github.com/spf13/pflag"
	"golang.org/x/crypto/acme/autocert"

	"github.com/listinvest/rendezvous/internal/hub"
)

var (
	logger = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
	ko     = koanf.New(".")

	// Version of the build injected at build time.
	buildString = "unknown"
)

// App is the global app context that's passed around.
type App struct {
	hub          *hub.Hub
	cfg          *hub.Config
	tpl          *template.Template
	logger       *log.Logger
	localAddress string
	qrCfg        qrConfig
}

type qrConfig struct {
	Enabled bool `koanf:"enabled"`
}

func loadConfig() {
	// Register --help handler.
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}
	f.StringSlice("config", []string{"config.toml"},
		"Path to one or more TOML config files to load in order. Falls back to the embedded default configuration.")
	f.Bool("new-config", false, "generate sample config file")
	f.Bool("new-unit", false, "generate systemd unit file")
	f.Bool("onion", false, "Show the onion URL")
	f.Bool("onionpk", false, "Show the onion private key")
	f.Bool("version", false, "Show build version")
	f.Parse(os.Args[1:])

	// Display version.
	if ok, _ := f.GetBool("version"); ok {
		fmt.Println(buildString)
		os.Exit(0)
	}

	// Generate new config.
	if ok, _ := f.GetBool("new-config"); ok {
		if err := newConfigFile(); err != nil {
			logger.Println(err)
			os.Exit(1)
		}
		logger.Println("generated config.toml. Edit and run the app.")
		os.Exit(0)
	}

	// Generate new unit.
	if ok, _ := f.GetBool("new-unit"); ok {
		if err := newUnitFile(); err != nil {
			logger.Println(err)
			os.Exit(1)
		}
		logger.Println("generated rendezvous.service. Edit and install the service.")
		os.Exit(0)
	}

	// Read the config files.
	cFiles, _ := f.GetStringSlice("config")
	for _, cf := range cFiles {
		if _, err := os.Stat(cf); len(cFiles) == 1 && cf == "config.toml" && os.IsNotExist(err) {
			continue
		}
		logger.Printf("reading config: %s", cf)
		if err := ko.Load(file.Provider(cf), toml.Parser()); err != nil {
			if os.IsNotExist(err) {
				logger.Fatal("config file not found. If there isn't one yet, run --new-config to generate one.")
			}
			logger.Fatalf("error loading config from file: %v.", err)
		}
	}

	// Load the embedded default configuration if no file was read.
	if !ko.Exists("app") {
		logger.Printf("loading default configuration from embedded assets")
		sampleBox := rice.MustFindBox("static/samples")
		b, err := sampleBox.Bytes("config.toml")
		if err != nil {
			logger.Fatalf("error reading embedded asset %q: %v.", "static/samples/config.toml", err)
		}
		if err := ko.Load(rawbytes.Provider(b), toml.Parser()); err != nil {
			logger.Fatalf("error loading default configuration file: %v.", err)
		}
	}

	// Merge env flags into config.
	if err := ko.Load(env.Provider("RENDEZVOUS_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "RENDEZVOUS_")), "__", ".", -1)
	}), nil); err != nil {
		logger.Printf("error loading env config: %v", err)
	}

	// Merge command line flags into config.
	ko.Load(posflag.Provider(f, ".", ko), nil)
}

// buildRouter registers the HTTP routes on a new chi router.
func (app *App) buildRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(cors)

	r.Get("/", wrap(handleIndex, app))
	r.Get("/health", handleHealth)

	// Session exchange API.
	r.Post("/room/{roomID}/offer", wrap(handleCreateOffer, app))
	r.Post("/room/{roomID}/answer", wrap(handleSubmitAnswer, app))
	r.Get("/room/{roomID}/get", wrap(handleGetSession, app))
	if app.qrCfg.Enabled {
		r.Get("/room/{roomID}/qr", wrap(handleQR, app))
	}

	r.NotFound(handleNotFound)
	r.MethodNotAllowed(handleNotFound)
	return r
}

func main() {
	// Load configuration from files.
	loadConfig()

	// Begin listening.
	lnAddr := ko.String("app.address")
	ln, err := net.Listen("tcp", lnAddr)
	if err != nil {
		logger.Fatalf("couldn't listen address %q: %v", lnAddr, err)
	}

	// Initialize global app context.
	app := &App{
		logger:       logger,
		localAddress: ln.Addr().String(),
	}
	if err := ko.Unmarshal("app", &app.cfg); err != nil {
		logger.Fatalf("error unmarshalling 'app' config: %v", err)
	}
	if app.cfg.Name == "" {
		app.cfg.Name = "Rendezvous"
	}
	if app.cfg.SessionTTL == 0 {
		app.cfg.SessionTTL = 600 * time.Second
	}
	if app.cfg.RoomTimeout == 0 {
		app.cfg.RoomTimeout = time.Hour
	}
	if app.cfg.RootURL == "" {
		app.cfg.RootURL = "http://" + app.localAddress
	}

	minTime := time.Duration(3) * time.Second
	if app.cfg.SessionTTL < minTime || app.cfg.RoomTimeout < minTime {
		logger.Fatal("app.session_ttl and app.room_timeout should be > 3s")
	}

	// Initialize the infra store (onion key, ACME cert cache).
	store, err := app.makeStore()
	if err != nil {
		logger.Fatalf("failed to create the store instance: %v", err)
	}

	var torCfg torCfg
	if err := ko.Unmarshal("tor", &torCfg); err != nil {
		logger.Fatalf("error unmarshalling 'tor' config: %v", err)
	}

	if ko.Bool("onion") {
		pk, err := loadTorPK(torCfg, store)
		if err != nil {
			logger.Fatalf("could not read or write the private key: %v", err)
		}
		fmt.Printf("http://%v.onion\n", onionAddr(pk))
		return
	}

	if ko.Bool("onionpk") {
		pk, err := loadTorPK(torCfg, store)
		if err != nil {
			logger.Fatalf("could not read or write the private key: %v", err)
		}
		pem, err := pemEncodeKey(pk)
		if err != nil {
			logger.Fatalf("could not PEM encode the private key: %v", err)
		}
		fmt.Printf("%s\n", pem)
		return
	}

	app.hub = hub.NewHub(app.cfg, logger)

	// Compile the index template from the embedded assets.
	uiBox := rice.MustFindBox("static/ui")
	tpl, err := template.New("index").Parse(uiBox.MustString("index.html"))
	if err != nil {
		logger.Fatalf("error compiling index template: %v", err)
	}
	app.tpl = tpl

	if err := ko.Unmarshal("qr", &app.qrCfg); err != nil {
		logger.Fatalf("error unmarshalling 'qr' config: %v", err)
	}

	// Register HTTP routes.
	r := app.buildRouter()

	// Start the optional onion service on the same routes.
	if torCfg.Enabled {
		pk, err := loadTorPK(torCfg, store)
		if err != nil {
			logger.Fatalf("could not read or write the private key: %v", err)
		}

		srv := &torServer{
			Torrc:      torCfg.Torrc,
			PrivateKey: pk,
			Handler:    r,
		}
		defer srv.Close()

		logger.Printf("starting hidden service on http://%v.onion", onionAddr(pk))
		go func() {
			if err := srv.Serve(); err != nil {
				logger.Fatalf("couldn't serve onion: %v", err)
			}
		}()
	}

	srv := http.Server{
		Handler: r,
	}
	var sslCfg sslCfg
	if err := ko.Unmarshal("ssl", &sslCfg); err != nil {
		logger.Fatalf("error unmarshalling 'ssl' config: %v", err)
	}

	sslAddr := ":443"
	if sslCfg.Address != "" {
		sslAddr = sslCfg.Address
	}
	_, sslPort, err := net.SplitHostPort(sslAddr)
	if err != nil {
		logger.Fatalf("couldn't parse address %q: %v", sslAddr, err)
	}

	var certManager autocert.Manager
	if sslCfg.Enabled {
		if sslCfg.Kind == "letsencrypt" {
			certManager = autocert.Manager{
				Prompt:     autocert.AcceptTOS,
				HostPolicy: autocert.HostWhitelist(sslCfg.Domains...),
				Cache:      makeCertCache(sslCfg, store),
				Email:      sslCfg.Email,
			}
			srv.Handler = certManager.HTTPHandler(handleHTTPRedirect(sslPort, srv.Handler))
		} else {
			srv.Handler = handleHTTPRedirect(sslPort, srv.Handler)
		}
	}

	logger.Printf("starting server on http://%v", ln.Addr().String())
	go func() {
		if err := srv.Serve(ln); err != nil {
			logger.Fatalf("couldn't serve: %v", err)
		}
	}()

	if sslCfg.Enabled {
		sln, err := net.Listen("tcp", sslAddr)
		if err != nil {
			logger.Fatalf("couldn't listen address %q: %v", sslAddr, err)
		}
		ssrv := http.Server{
			Handler: r,
		}
		switch sslCfg.Kind {
		case "auto":
			ssrv.TLSConfig = tlsConfig(selfSignedCert(sslCfg.Domains))
			ssrv.TLSNextProto = make(map[string]func(*http.Server, *tls.Conn, http.Handler))
		case "files":
			ssrv.TLSConfig = tlsConfig(nil)
			ssrv.TLSNextProto = make(map[string]func(*http.Server, *tls.Conn, http.Handler))
		case "letsencrypt":
			cfg := certManager.TLSConfig()
			cfg.GetCertificate = certManager.GetCertificate
			ssrv.TLSConfig = cfg
		default:
			logger.Fatalf("ssl.kind must be one of auto|files|letsencrypt, got %q", sslCfg.Kind)
		}
		logger.Printf("starting server on https://%v", sln.Addr().String())
		go func() {
			var err error
			if sslCfg.Kind == "files" {
				err = ssrv.ServeTLS(sln, sslCfg.Certificate, sslCfg.PrivateKey)
			} else {
				err = ssrv.ServeTLS(sln, "", "")
			}
			if err != nil {
				logger.Fatalf("couldn't tls serve: %v", err)
			}
		}()
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	var cFiles []string
	ko.Unmarshal("config", &cFiles)
	select {
	case <-fileWatcher(cFiles...):
	case sig := <-c:
		logger.Printf("shutting down: %v", sig)
	}
}

// fileWatcher signals when any of the given config files is modified,
// so a supervisor can restart the process with the new configuration.
func fileWatcher(files ...string) chan struct{} {
	out := make(chan struct{})
	if len(files) == 0 {
		return out
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Printf("failed to initialize configuration file watcher: %v", err)
		return out
	}
	for _, f := range files {
		if err := watcher.Add(f); err != nil {
			logger.Printf("failed to add configuration file %q watcher: %v", f, err)
		}
	}
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				logger.Printf("configuration file %q was modified", event.Name)
				out <- struct{}{}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Printf("watcher error: %v", err)
			}
		}
	}()
	return out
}
