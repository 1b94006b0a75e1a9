package smtp

import (
	"fmt"
	"log/slog"
	"net"
	netsmtp "net/smtp"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailhook-dev/mailhook/internal/mailparse"
	"github.com/mailhook-dev/mailhook/internal/queue"
	"github.com/mailhook-dev/mailhook/internal/ratelimit"
	"github.com/mailhook-dev/mailhook/internal/scheduler"
	"github.com/mailhook-dev/mailhook/internal/storage"
)

// stubDispatcher records enqueued ids and reports a fixed pending count.
type stubDispatcher struct {
	mu      sync.Mutex
	ids     []string
	pending int
}

func (s *stubDispatcher) Enqueue(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, id)
	return true
}

func (s *stubDispatcher) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *stubDispatcher) enqueued() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

type smtpHarness struct {
	addr       string
	store      *queue.Store
	dispatcher *stubDispatcher
}

func startServer(t *testing.T, policyCfg PolicyConfig, limiter *ratelimit.SlidingWindow, backendCfg BackendConfig) *smtpHarness {
	t.Helper()

	store, err := queue.Open(filepath.Join(t.TempDir(), "queue"))
	require.NoError(t, err)

	local, err := storage.NewLocalStore(filepath.Join(t.TempDir(), "staging"), nil)
	require.NoError(t, err)
	sched := scheduler.New()
	t.Cleanup(sched.Stop)
	tier := storage.NewTier(nil, local, storage.TierConfig{MaxFileSize: 1 << 20}, sched, nil, slog.Default())
	t.Cleanup(tier.Stop)

	dispatcher := &stubDispatcher{}
	backend := NewBackend(
		NewPolicy(policyCfg, limiter),
		mailparse.New(tier, slog.Default()),
		store,
		dispatcher,
		backendCfg,
		nil,
		slog.Default(),
	)

	srv, err := NewServer(ServerConfig{
		ListenAddr:      "127.0.0.1:0",
		Domain:          "relay.test",
		MaxMessageBytes: 1 << 20,
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    5 * time.Second,
	}, backend, slog.Default())
	require.NoError(t, err)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })

	return &smtpHarness{addr: l.Addr().String(), store: store, dispatcher: dispatcher}
}

func sendMail(t *testing.T, addr, from string, to []string, msg string) error {
	t.Helper()
	c, err := netsmtp.Dial(addr)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Hello("client.test"); err != nil {
		return err
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(strings.ReplaceAll(msg, "\n", "\r\n"))); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

const simpleMessage = `From: Alice <alice@example.com>
To: bob@acme.io
Subject: relay me

hello relay
`

func TestAcceptAndPersist(t *testing.T) {
	h := startServer(t, PolicyConfig{}, nil, BackendConfig{MaxQueueSize: 100, MaxClients: 10})

	err := sendMail(t, h.addr, "alice@example.com", []string{"bob@acme.io"}, simpleMessage)
	require.NoError(t, err)

	ids := h.dispatcher.enqueued()
	require.Len(t, ids, 1)

	task, err := h.store.Get(ids[0])
	require.NoError(t, err)
	assert.Equal(t, "relay me", task.Parsed.Subject)
	require.NotNil(t, task.Parsed.From)
	assert.Equal(t, []string{"alice@example.com"}, task.Parsed.From.Addresses())
	assert.Contains(t, task.Parsed.Text, "hello relay")
}

func TestRecipientDomainRejected(t *testing.T) {
	h := startServer(t, PolicyConfig{AllowedRecipientDomains: []string{"acme.io"}}, nil,
		BackendConfig{MaxQueueSize: 100, MaxClients: 10})

	err := sendMail(t, h.addr, "alice@example.com", []string{"bob@other.io"}, simpleMessage)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "553")
	assert.Empty(t, h.dispatcher.enqueued())
}

func TestSenderDomainRejected(t *testing.T) {
	h := startServer(t, PolicyConfig{AllowedSenderDomains: []string{"example.com"}}, nil,
		BackendConfig{MaxQueueSize: 100, MaxClients: 10})

	err := sendMail(t, h.addr, "mallory@evil.com", []string{"bob@acme.io"}, simpleMessage)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "553")
}

func TestQueueFullRejectsData(t *testing.T) {
	h := startServer(t, PolicyConfig{}, nil, BackendConfig{MaxQueueSize: 10, MaxClients: 10})
	h.dispatcher.mu.Lock()
	h.dispatcher.pending = 10
	h.dispatcher.mu.Unlock()

	err := sendMail(t, h.addr, "alice@example.com", []string{"bob@acme.io"}, simpleMessage)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "451")

	ids, listErr := h.store.ListIDs()
	require.NoError(t, listErr)
	assert.Empty(t, ids, "rejected message must not be persisted")
}

func TestRateLimitedConnection(t *testing.T) {
	limiter := ratelimit.New(time.Minute, 2)
	h := startServer(t, PolicyConfig{}, limiter, BackendConfig{MaxQueueSize: 100, MaxClients: 10})

	for i := 0; i < 2; i++ {
		c, err := netsmtp.Dial(h.addr)
		require.NoError(t, err, "connection %d within the cap", i+1)
		c.Close()
	}

	_, err := netsmtp.Dial(h.addr)
	require.Error(t, err, "connection over the cap is rejected at the greeting")
	assert.Contains(t, err.Error(), "421")
}

func TestClientAllowList(t *testing.T) {
	h := startServer(t, PolicyConfig{AllowedClients: []string{"192.0.2.55"}}, nil,
		BackendConfig{MaxQueueSize: 100, MaxClients: 10})

	_, err := netsmtp.Dial(h.addr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "550")
}

func TestAuthResultsEnforcement(t *testing.T) {
	policyCfg := PolicyConfig{
		TrustedRelayIPs:     []string{"127.0.0.1"},
		RequiredAuthResults: []string{"spf=pass", "dmarc=pass"},
	}

	message := func(authResults string) string {
		return fmt.Sprintf(`From: Alice <alice@example.com>
To: bob@acme.io
Subject: authenticated
Authentication-Results: %s

body
`, authResults)
	}

	t.Run("all required tokens accepted", func(t *testing.T) {
		h := startServer(t, policyCfg, nil, BackendConfig{MaxQueueSize: 100, MaxClients: 10})
		err := sendMail(t, h.addr, "alice@example.com", []string{"bob@acme.io"},
			message("mx.example.com; spf=pass smtp.mailfrom=example.com; dmarc=pass header.from=example.com"))
		require.NoError(t, err)
		assert.Len(t, h.dispatcher.enqueued(), 1)
	})

	t.Run("missing token rejected with 550", func(t *testing.T) {
		h := startServer(t, policyCfg, nil, BackendConfig{MaxQueueSize: 100, MaxClients: 10})
		err := sendMail(t, h.addr, "alice@example.com", []string{"bob@acme.io"},
			message("mx.example.com; spf=pass smtp.mailfrom=example.com"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "550")
		assert.Empty(t, h.dispatcher.enqueued())
	})
}

func TestAttachmentFailureDoesNotFailSession(t *testing.T) {
	// The tier has no primary store and stages locally; even so, a message
	// with an attachment must be accepted and carry its storage outcome.
	h := startServer(t, PolicyConfig{}, nil, BackendConfig{MaxQueueSize: 100, MaxClients: 10})

	msg := `From: a@x.com
To: b@y.com
Subject: with attachment
Content-Type: multipart/mixed; boundary="B"

--B
Content-Type: text/plain

body
--B
Content-Type: application/octet-stream
Content-Disposition: attachment; filename="blob.bin"
Content-Transfer-Encoding: base64

aGVsbG8=
--B--
`
	err := sendMail(t, h.addr, "a@x.com", []string{"b@y.com"}, msg)
	require.NoError(t, err)

	ids := h.dispatcher.enqueued()
	require.Len(t, ids, 1)
	task, err := h.store.Get(ids[0])
	require.NoError(t, err)
	require.Len(t, task.Parsed.AttachmentInfo, 1)
	assert.Equal(t, "blob.bin", task.Parsed.AttachmentInfo[0].Filename)
	require.NotNil(t, task.Parsed.StorageSummary)
	assert.Equal(t, 1, task.Parsed.StorageSummary.StoredLocally)
}
