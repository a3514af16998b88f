package lan

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// TLSConfig holds TLS materials for node to node links.
type TLSConfig struct {
	Enabled            bool
	CertPath           string
	KeyPath            string
	CAPath             string
	InsecureSkipVerify bool
}

func (c TLSConfig) load() (*tls.Config, error) {
	if c.CertPath == "" || c.KeyPath == "" {
		return nil, errors.New("tls enabled but cert/key paths are empty")
	}
	cert, err := tls.LoadX509KeyPair(c.CertPath, c.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load lan tls cert: %w", err)
	}

	cfg := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: c.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
	if c.CAPath != "" {
		pool := x509.NewCertPool()
		caBytes, err := os.ReadFile(c.CAPath)
		if err != nil {
			return nil, fmt.Errorf("read lan ca: %w", err)
		}
		if ok := pool.AppendCertsFromPEM(caBytes); !ok {
			return nil, errors.New("append lan ca cert failed")
		}
		cfg.RootCAs = pool
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

func dialCredentials(c TLSConfig) (grpc.DialOption, error) {
	if !c.Enabled {
		return grpc.WithTransportCredentials(insecure.NewCredentials()), nil
	}
	cfg, err := c.load()
	if err != nil {
		return nil, err
	}
	return grpc.WithTransportCredentials(credentials.NewTLS(cfg)), nil
}

func serverCredentials(c TLSConfig) ([]grpc.ServerOption, error) {
	if !c.Enabled {
		return nil, nil
	}
	cfg, err := c.load()
	if err != nil {
		return nil, err
	}
	return []grpc.ServerOption{grpc.Creds(credentials.NewTLS(cfg))}, nil
}
