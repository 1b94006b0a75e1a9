package smtp

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/emersion/go-msgauth/authres"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/mailhook-dev/mailhook/internal/errclass"
	"github.com/mailhook-dev/mailhook/internal/mailparse"
	"github.com/mailhook-dev/mailhook/internal/model"
	"github.com/mailhook-dev/mailhook/internal/observability"
)

// TaskStore persists parsed emails as durable delivery tasks.
type TaskStore interface {
	Create(parsed model.ParsedEmail) (string, error)
}

// Dispatcher is the in-memory work queue the backend pushes task ids into.
type Dispatcher interface {
	Enqueue(id string) bool
	Pending() int
}

// Backend implements the go-smtp Backend interface. All admission logic
// lives in Policy; this type only translates decisions into SMTP replies.
type Backend struct {
	policy       *Policy
	parser       *mailparse.Parser
	tasks        TaskStore
	dispatcher   Dispatcher
	maxQueueSize int
	maxClients   int64
	dataTimeout  time.Duration
	logger       *slog.Logger
	metrics      *observability.Metrics

	clients atomic.Int64
}

// BackendConfig holds the backend's admission limits.
type BackendConfig struct {
	MaxQueueSize int
	MaxClients   int
	DataTimeout  time.Duration
}

// NewBackend wires the ingestion pipeline behind the SMTP server.
func NewBackend(policy *Policy, parser *mailparse.Parser, tasks TaskStore, dispatcher Dispatcher, cfg BackendConfig, metrics *observability.Metrics, logger *slog.Logger) *Backend {
	dataTimeout := cfg.DataTimeout
	if dataTimeout == 0 {
		dataTimeout = 30 * time.Second
	}
	return &Backend{
		policy:       policy,
		parser:       parser,
		tasks:        tasks,
		dispatcher:   dispatcher,
		maxQueueSize: cfg.MaxQueueSize,
		maxClients:   int64(cfg.MaxClients),
		dataTimeout:  dataTimeout,
		logger:       logger.With("component", "smtp"),
		metrics:      metrics,
	}
}

// smtpError translates a policy rejection into go-smtp's error shape.
func smtpError(d Decision) *gosmtp.SMTPError {
	return &gosmtp.SMTPError{
		Code:         d.Code,
		EnhancedCode: gosmtp.EnhancedCode(d.Enhanced),
		Message:      d.Message,
	}
}

// NewSession runs the connection-time admission checks.
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	remoteIP := NormalizeIP(c.Conn().RemoteAddr().String())

	if b.maxClients > 0 && b.clients.Load() >= b.maxClients {
		b.logger.Warn("rejecting connection, client limit reached", "remote_ip", remoteIP)
		b.metrics.IncSMTPConnection("over_capacity")
		return nil, &gosmtp.SMTPError{
			Code:         421,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 2},
			Message:      "too many concurrent connections",
		}
	}

	if d := b.policy.CheckConnect(remoteIP); !d.OK {
		b.logger.Info("connection rejected",
			"remote_ip", remoteIP,
			"code", d.Code,
			"reason", d.Message,
		)
		b.metrics.IncSMTPConnection("rejected")
		return nil, smtpError(d)
	}

	b.metrics.IncSMTPConnection("accepted")
	b.clients.Add(1)
	return &Session{backend: b, remoteIP: remoteIP, logger: b.logger}, nil
}

// Session receives one or more messages over a single SMTP connection.
type Session struct {
	backend  *Backend
	remoteIP string
	from     string
	to       []string
	logger   *slog.Logger
}

// Mail applies the sender-domain policy.
func (s *Session) Mail(from string, opts *gosmtp.MailOptions) error {
	if d := s.backend.policy.CheckSender(from); !d.OK {
		s.logger.Info("sender rejected", "remote_ip", s.remoteIP, "from", from, "reason", d.Message)
		return smtpError(d)
	}
	s.from = from
	return nil
}

// Rcpt applies the recipient-domain policy.
func (s *Session) Rcpt(to string, opts *gosmtp.RcptOptions) error {
	if d := s.backend.policy.CheckRecipient(to); !d.OK {
		s.logger.Info("recipient rejected", "remote_ip", s.remoteIP, "to", to, "reason", d.Message)
		return smtpError(d)
	}
	s.to = append(s.to, to)
	return nil
}

// Data runs the ingestion pipeline: queue admission, MIME parse, post-parse
// policy, durable persistence, dispatch.
func (s *Session) Data(r io.Reader) error {
	b := s.backend

	if b.maxQueueSize > 0 && b.dispatcher.Pending() >= b.maxQueueSize {
		// Drain the stream so the reply is not racing unread DATA bytes.
		io.Copy(io.Discard, r)
		s.logger.Warn("message rejected, queue full",
			"remote_ip", s.remoteIP,
			"pending", b.dispatcher.Pending(),
		)
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 2},
			Message:      "server busy, try again later",
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.dataTimeout)
	defer cancel()

	email, err := b.parser.Parse(ctx, r, mailparse.Envelope{From: s.from, To: s.to})
	if err != nil {
		if errclass.IsRecoverable(err) {
			s.logger.Warn("recoverable error reading message", "remote_ip", s.remoteIP, "error", err)
		} else {
			s.logger.Error("message parse failed", "remote_ip", s.remoteIP, "error", err)
		}
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      "failed to process message",
		}
	}

	s.logAuthResults(email.Headers)

	if d := b.policy.CheckAuthResults(s.remoteIP, email.Headers); !d.OK {
		s.logger.Info("message rejected by authentication policy",
			"remote_ip", s.remoteIP,
			"from", s.from,
			"reason", d.Message,
		)
		return smtpError(d)
	}

	id, err := b.tasks.Create(*email)
	if err != nil {
		s.logger.Error("persisting delivery task failed", "remote_ip", s.remoteIP, "error", err)
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      "temporary error storing message",
		}
	}

	b.dispatcher.Enqueue(id)
	b.metrics.IncMessageAccepted()

	s.logger.Info("message accepted",
		"task_id", id,
		"remote_ip", s.remoteIP,
		"from", s.from,
		"to", s.to,
		"subject", email.Subject,
		"attachments", len(email.AttachmentInfo),
	)
	return nil
}

// logAuthResults surfaces the upstream verdicts in structured form. The
// admission decision itself is a plain substring check; this is purely
// observability.
func (s *Session) logAuthResults(headers model.Headers) {
	for _, raw := range headers.Get("Authentication-Results") {
		identifier, results, err := authres.Parse(raw)
		if err != nil {
			continue
		}
		for _, res := range results {
			s.logger.Debug("authentication result",
				"authserv", identifier,
				"result", authResultSummary(res),
			)
		}
	}
}

func authResultSummary(r authres.Result) string {
	switch v := r.(type) {
	case *authres.SPFResult:
		return "spf=" + string(v.Value)
	case *authres.DKIMResult:
		return "dkim=" + string(v.Value)
	case *authres.DMARCResult:
		return "dmarc=" + string(v.Value)
	default:
		return "unknown"
	}
}

// Reset clears per-message state between messages on one connection.
func (s *Session) Reset() {
	s.from = ""
	s.to = nil
}

// Logout releases the session's client slot.
func (s *Session) Logout() error {
	s.backend.clients.Add(-1)
	return nil
}
