package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/clementauger/tor-prebuilt/embedded"
	"github.com/cretz/bine/tor"
	"github.com/cretz/bine/torutil"
	tued25519 "github.com/cretz/bine/torutil/ed25519"

	"github.com/listinvest/rendezvous/store"
)

type torCfg struct {
	Enabled    bool   `koanf:"enabled"`
	PrivateKey string `koanf:"privatekey"`
	Torrc      string `koanf:"torrc"`
}

// loadTorPK returns the onion service key, reading it from the
// configured PEM file or the infra store, generating one on first use.
func loadTorPK(cfg torCfg, s store.Store) (ed25519.PrivateKey, error) {
	if cfg.PrivateKey != "" {
		return getOrCreatePKFile(cfg.PrivateKey)
	}
	return getOrCreatePK(s)
}

func pemEncodeKey(privateKey ed25519.PrivateKey) ([]byte, error) {
	b, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "ED25519 PRIVATE KEY", Bytes: b}), nil
}

func pemDecodeKey(d []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(d)
	if block == nil {
		return nil, fmt.Errorf("invalid PEM data")
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	privateKey, ok := k.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("invalid key type %T wanted ed25519.PrivateKey", k)
	}
	return privateKey, nil
}

func getOrCreatePK(s store.Store) (ed25519.PrivateKey, error) {
	const key = "onionkey"
	d, err := s.Get(key)
	if len(d) == 0 || err != nil {
		_, privateKey, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		pemEncoded, err := pemEncodeKey(privateKey)
		if err != nil {
			return nil, err
		}
		return privateKey, s.Set(key, pemEncoded)
	}
	return pemDecodeKey(d)
}

func getOrCreatePKFile(fpath string) (ed25519.PrivateKey, error) {
	if _, err := os.Stat(fpath); os.IsNotExist(err) {
		_, privateKey, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		pemEncoded, err := pemEncodeKey(privateKey)
		if err != nil {
			return nil, err
		}
		return privateKey, os.WriteFile(fpath, pemEncoded, 0600)
	}
	d, err := os.ReadFile(fpath)
	if err != nil {
		return nil, err
	}
	return pemDecodeKey(d)
}

// torServer serves the app router as a v3 onion service using the
// embedded tor binary.
type torServer struct {
	Torrc   string
	Handler http.Handler
	// PrivateKey is the pem encoded ed25519 onion service key.
	PrivateKey ed25519.PrivateKey

	tor   *tor.Tor
	onion *tor.OnionService
}

// onionAddr derives the .onion address from the service key.
func onionAddr(pk ed25519.PrivateKey) string {
	return torutil.OnionServiceIDFromV3PublicKey(tued25519.PublicKey([]byte(pk.Public().(ed25519.PublicKey))))
}

func (ts *torServer) Serve() error {
	d, err := os.MkdirTemp("", "rendezvous-tor")
	if err != nil {
		return err
	}

	t, err := tor.Start(nil, &tor.StartConf{
		TorrcFile:       ts.Torrc,
		TempDataDirBase: d,
		ProcessCreator:  embedded.NewCreator(),
		NoHush:          true,
	})
	if err != nil {
		return fmt.Errorf("unable to start Tor: %v", err)
	}
	ts.tor = t

	// Publishing the service can take a while on first start.
	listenCtx, listenCancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer listenCancel()
	onion, err := t.Listen(listenCtx, &tor.ListenConf{
		Key:         ts.PrivateKey,
		Version3:    true,
		RemotePorts: []int{80},
	})
	if err != nil {
		return fmt.Errorf("unable to create onion service: %v", err)
	}
	ts.onion = onion
	return http.Serve(ts.onion, ts.Handler)
}

func (ts *torServer) Close() error {
	if ts.onion != nil {
		if err := ts.onion.Close(); err != nil {
			return err
		}
	}
	if ts.tor != nil {
		if err := ts.tor.Close(); err != nil {
			return err
		}
	}
	return nil
}
