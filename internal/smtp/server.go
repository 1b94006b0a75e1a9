package smtp

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	gosmtp "github.com/emersion/go-smtp"
)

// ServerConfig holds the listener settings for the inbound SMTP server.
type ServerConfig struct {
	ListenAddr      string
	Domain          string
	Secure          bool // implicit TLS on the listener
	MaxMessageBytes int64
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	TLSCert         string
	TLSKey          string
}

// NewServer creates the inbound SMTP server backed by the given Backend.
// AUTH is never offered; this server only accepts relayed mail. When secure
// mode is on the TLS material is mandatory.
func NewServer(cfg ServerConfig, backend *Backend, logger *slog.Logger) (*gosmtp.Server, error) {
	s := gosmtp.NewServer(backend)

	s.Addr = cfg.ListenAddr
	s.Domain = cfg.Domain
	s.MaxMessageBytes = cfg.MaxMessageBytes
	s.ReadTimeout = cfg.ReadTimeout
	s.WriteTimeout = cfg.WriteTimeout

	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("loading TLS key pair: %w", err)
		}
		s.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
		logger.Info("TLS enabled for inbound SMTP", "secure", cfg.Secure)
	} else if cfg.Secure {
		return nil, fmt.Errorf("smtp secure mode requires tls cert and key")
	}

	return s, nil
}

// Listen starts the server, using implicit TLS when secure mode is on.
func Listen(s *gosmtp.Server, secure bool) error {
	if secure {
		return s.ListenAndServeTLS()
	}
	return s.ListenAndServe()
}
