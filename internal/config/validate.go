package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks the configuration for required fields and invalid values.
// It collects all failures into a single error so the operator sees every
// problem at once.
func (c *Config) Validate() error {
	var errs []string

	if err := validate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, ve := range verrs {
				errs = append(errs, fmt.Sprintf("%s failed %q validation", ve.Namespace(), ve.Tag()))
			}
		} else {
			errs = append(errs, err.Error())
		}
	}

	if c.SMTP.Port <= 0 || c.SMTP.Port > 65535 {
		errs = append(errs, "smtp.port must be between 1 and 65535")
	}
	if c.SMTP.Secure && (c.SMTP.TLSCert == "" || c.SMTP.TLSKey == "") {
		errs = append(errs, "smtp.secure requires smtp.tls_cert and smtp.tls_key")
	}
	if c.SMTP.MaxMessageSize <= 0 {
		errs = append(errs, "smtp.max_message_size must be positive")
	}

	if c.Webhook.URL != "" {
		if u, err := url.Parse(c.Webhook.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, "webhook.url must be an absolute URL")
		}
	}
	if c.Webhook.Concurrency <= 0 {
		errs = append(errs, "webhook.concurrency must be positive")
	}

	if c.Queue.Path == "" {
		errs = append(errs, "queue.path is required")
	}
	if c.Storage.LocalPath == "" {
		errs = append(errs, "storage.local_path is required")
	}
	if c.Storage.MaxFileSize <= 0 {
		errs = append(errs, "storage.max_file_size must be positive")
	}
	if _, err := c.Storage.DecodeEncryptionKey(); err != nil {
		errs = append(errs, fmt.Sprintf("storage.encryption_key: %v", err))
	}

	if c.Production {
		errs = append(errs, c.validateProduction()...)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// validateProduction is the hardening gate: a production deployment must
// pin its relays, recipients, and webhook signing, and may not post to
// plain HTTP. It deliberately does not force smtp.secure.
func (c *Config) validateProduction() []string {
	var errs []string

	if !c.SMTP.RequireTrustedRelay {
		errs = append(errs, "production requires smtp.require_trusted_relay")
	}
	if len(c.SMTP.TrustedRelayIPs) == 0 {
		errs = append(errs, "production requires smtp.trusted_relay_ips")
	}
	if len(c.SMTP.AllowedRecipientDomains) == 0 {
		errs = append(errs, "production requires smtp.allowed_recipient_domains")
	}
	if c.Webhook.Secret == "" {
		errs = append(errs, "production requires webhook.secret")
	}
	if c.Webhook.AllowInsecureHTTP {
		errs = append(errs, "production forbids webhook.allow_insecure_http")
	}

	return errs
}
