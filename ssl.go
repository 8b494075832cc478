package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/acme/autocert"

	"github.com/listinvest/rendezvous/store"
)

type sslCfg struct {
	Enabled     bool     `koanf:"enabled"`
	Email       string   `koanf:"email"`
	Address     string   `koanf:"address"`
	Kind        string   `koanf:"kind"`
	PrivateKey  string   `koanf:"privatekey"`
	Certificate string   `koanf:"certificate"`
	Domains     []string `koanf:"domains"`
	Storage     string   `koanf:"storage"`
	Path        string   `koanf:"path"`
}

func tlsConfig(getCertificate func(*tls.ClientHelloInfo) (*tls.Certificate, error)) *tls.Config {
	return &tls.Config{
		MinVersion:       tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{tls.X25519, tls.CurveP256},
		GetCertificate:   getCertificate,
	}
}

// handleHTTPRedirect redirects plain HTTP requests to the HTTPS listener.
func handleHTTPRedirect(sslPort string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u := r.URL
		if u.Scheme == "http" || u.Scheme == "" {
			h := u.Hostname()
			if h == "" {
				h = "localhost"
			}
			target := "https://" + h
			if sslPort != "443" {
				target += ":" + sslPort
			}
			target += u.RequestURI()
			http.Redirect(w, r, target, http.StatusFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// makeCertCache picks the ACME certificate cache: a directory on disk or
// the app's infra store.
func makeCertCache(cfg sslCfg, s store.Store) autocert.Cache {
	if cfg.Storage == "store" {
		return certCache{prefix: "SSL:", store: s}
	}
	path := cfg.Path
	if path == "" {
		path = "certs"
	}
	return autocert.DirCache(path)
}

// certCache implements autocert.Cache on top of a store.Store.
type certCache struct {
	prefix string
	store  store.Store
}

func (c certCache) Get(ctx context.Context, key string) ([]byte, error) {
	return c.store.Get(c.prefix + key)
}

func (c certCache) Put(ctx context.Context, key string, data []byte) error {
	return c.store.Set(c.prefix+key, data)
}

func (c certCache) Delete(ctx context.Context, key string) error {
	return c.store.Delete(c.prefix + key)
}

// selfSignedCert generates a self-signed certificate for the given hosts
// at startup and returns a tls.Config.GetCertificate func serving it.
func selfSignedCert(hosts []string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert, err := generateCert(hosts, time.Hour*24*365)
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		return cert, err
	}
}

func generateCert(hosts []string, validFor time.Duration) (*tls.Certificate, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate private key")
	}

	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate serial number")
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Rendezvous"},
		},
		NotBefore: time.Now(),
		NotAfter:  time.Now().Add(validFor),

		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create certificate")
	}
	return &tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}, nil
}
