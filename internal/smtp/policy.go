package smtp

import (
	"net"
	"strings"

	"github.com/mailhook-dev/mailhook/internal/model"
	"github.com/mailhook-dev/mailhook/internal/ratelimit"
)

// Decision is the outcome of one admission check. The go-smtp binding is the
// only place that translates a rejection into the library's error shape.
type Decision struct {
	OK       bool
	Code     int
	Enhanced [3]int
	Message  string
}

func accept() Decision {
	return Decision{OK: true}
}

func reject(code int, enhanced [3]int, message string) Decision {
	return Decision{Code: code, Enhanced: enhanced, Message: message}
}

// PolicyConfig holds the admission rules applied across a session.
type PolicyConfig struct {
	AllowedClients          []string // remote IPs admitted when non-empty
	TrustedRelayIPs         []string
	RequireTrustedRelay     bool
	AllowedSenderDomains    []string
	AllowedRecipientDomains []string
	RequiredAuthResults     []string
}

// Policy evaluates admission rules. It is pure apart from the rate limiter's
// internal clock.
type Policy struct {
	cfg            PolicyConfig
	allowedClients map[string]struct{}
	trustedRelays  map[string]struct{}
	limiter        *ratelimit.SlidingWindow
}

// NewPolicy compiles the config into lookup sets.
func NewPolicy(cfg PolicyConfig, limiter *ratelimit.SlidingWindow) *Policy {
	p := &Policy{
		cfg:            cfg,
		allowedClients: make(map[string]struct{}, len(cfg.AllowedClients)),
		trustedRelays:  make(map[string]struct{}, len(cfg.TrustedRelayIPs)),
		limiter:        limiter,
	}
	for _, ip := range cfg.AllowedClients {
		p.allowedClients[NormalizeIP(ip)] = struct{}{}
	}
	for _, ip := range cfg.TrustedRelayIPs {
		p.trustedRelays[NormalizeIP(ip)] = struct{}{}
	}
	return p
}

// NormalizeIP strips a port if present, lowercases, and removes the
// IPv4-mapped IPv6 prefix so "::ffff:10.0.0.1" and "10.0.0.1" compare equal.
func NormalizeIP(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	addr = strings.ToLower(strings.TrimSpace(addr))
	addr = strings.TrimPrefix(addr, "::ffff:")
	return addr
}

// IsTrustedRelay reports whether the normalized IP is in the trust set.
func (p *Policy) IsTrustedRelay(ip string) bool {
	_, ok := p.trustedRelays[NormalizeIP(ip)]
	return ok
}

// CheckConnect applies the connection-time rules to a normalized remote IP.
func (p *Policy) CheckConnect(ip string) Decision {
	ip = NormalizeIP(ip)

	if len(p.allowedClients) > 0 {
		if _, ok := p.allowedClients[ip]; !ok {
			return reject(550, [3]int{5, 7, 1}, "client not allowed")
		}
	}

	if p.cfg.RequireTrustedRelay && !p.IsTrustedRelay(ip) {
		return reject(550, [3]int{5, 7, 1}, "untrusted relay")
	}

	if p.limiter != nil && !p.limiter.Allow(ip) {
		return reject(421, [3]int{4, 7, 0}, "too many connections, try again later")
	}

	return accept()
}

// CheckSender applies the sender-domain allow-list.
func (p *Policy) CheckSender(from string) Decision {
	if len(p.cfg.AllowedSenderDomains) == 0 {
		return accept()
	}
	if domainAllowed(from, p.cfg.AllowedSenderDomains) {
		return accept()
	}
	return reject(553, [3]int{5, 7, 1}, "sender domain not allowed")
}

// CheckRecipient applies the recipient-domain allow-list.
func (p *Policy) CheckRecipient(to string) Decision {
	if len(p.cfg.AllowedRecipientDomains) == 0 {
		return accept()
	}
	if domainAllowed(to, p.cfg.AllowedRecipientDomains) {
		return accept()
	}
	return reject(553, [3]int{5, 7, 1}, "recipient domain not allowed")
}

// CheckAuthResults enforces the required Authentication-Results tokens after
// the message has been parsed. Only messages from trusted relays may pass;
// every required token must appear somewhere in the header's concatenated
// value, case-insensitively.
func (p *Policy) CheckAuthResults(remoteIP string, headers model.Headers) Decision {
	if len(p.cfg.RequiredAuthResults) == 0 {
		return accept()
	}

	if !p.IsTrustedRelay(remoteIP) {
		return reject(550, [3]int{5, 7, 1}, "authentication results required from trusted relay")
	}

	combined := strings.ToLower(headers.Joined("Authentication-Results"))
	for _, token := range p.cfg.RequiredAuthResults {
		if !strings.Contains(combined, strings.ToLower(token)) {
			return reject(550, [3]int{5, 7, 1}, "message failed authentication requirements")
		}
	}
	return accept()
}

// domainAllowed checks the address's domain against the allow-list,
// case-insensitively.
func domainAllowed(address string, domains []string) bool {
	at := strings.LastIndex(address, "@")
	if at < 0 || at == len(address)-1 {
		return false
	}
	domain := strings.ToLower(strings.Trim(address[at+1:], ">"))
	for _, d := range domains {
		if strings.EqualFold(strings.TrimSpace(d), domain) {
			return true
		}
	}
	return false
}
