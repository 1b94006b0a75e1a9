// Package mailparse turns an SMTP DATA stream into the structured email that
// webhook endpoints receive. Attachments are handed to the storage tier as
// they are decoded; a failing attachment never fails the message.
package mailparse

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"

	"github.com/mailhook-dev/mailhook/internal/model"
	"github.com/mailhook-dev/mailhook/internal/storage"
)

// Envelope carries the SMTP envelope values used to fill in headers the
// message itself omits.
type Envelope struct {
	From string
	To   []string
}

// Parser decodes MIME messages and stores their attachments.
type Parser struct {
	tier   *storage.Tier
	logger *slog.Logger
}

// New creates a Parser backed by the given storage tier.
func New(tier *storage.Tier, logger *slog.Logger) *Parser {
	return &Parser{tier: tier, logger: logger.With("component", "mailparse")}
}

// Parse reads the full message from r and returns its structured form.
// Returns an error only when the MIME stream itself cannot be decoded;
// per-attachment storage failures are folded into the result.
func (p *Parser) Parse(ctx context.Context, r io.Reader, env Envelope) (*model.ParsedEmail, error) {
	mr, err := gomail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("reading message: %w", err)
	}
	defer mr.Close()

	email := &model.ParsedEmail{
		Headers:        make(model.Headers),
		AttachmentInfo: make([]model.AttachmentRecord, 0),
	}

	fields := mr.Header.Fields()
	for fields.Next() {
		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}
		email.Headers.Add(fields.Key(), value)
	}

	if subject, err := mr.Header.Subject(); err == nil {
		email.Subject = subject
	} else {
		email.Subject = email.Headers.First("Subject")
	}

	email.From = p.addressList(&mr.Header, "From")
	email.To = p.addressList(&mr.Header, "To")
	email.Cc = p.addressList(&mr.Header, "Cc")

	// Envelope values stand in for missing headers.
	if email.From == nil && env.From != "" {
		email.From = envelopeList(env.From)
		email.Headers.Add("From", env.From)
	}
	if email.To == nil && len(env.To) > 0 {
		email.To = envelopeList(env.To...)
		email.Headers.Add("To", strings.Join(env.To, ", "))
	}

	var summary model.StorageSummary

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			p.logger.Warn("stopping MIME walk on malformed part", "error", err)
			break
		}

		switch h := part.Header.(type) {
		case *gomail.InlineHeader:
			p.readInline(part.Body, h, email)
		case *gomail.AttachmentHeader:
			p.readAttachment(ctx, part.Body, h, email, &summary)
		}
	}

	if summary.Total > 0 {
		email.StorageSummary = &summary
	}

	return email, nil
}

// readInline captures the first text and html bodies.
func (p *Parser) readInline(body io.Reader, h *gomail.InlineHeader, email *model.ParsedEmail) {
	mediaType, _, err := h.ContentType()
	if err != nil {
		mediaType = "text/plain"
	}

	content, err := io.ReadAll(body)
	if err != nil {
		p.logger.Warn("reading inline part failed", "content_type", mediaType, "error", err)
		return
	}

	switch {
	case strings.HasPrefix(mediaType, "text/html"):
		if email.HTML == "" {
			email.HTML = string(content)
		}
	case strings.HasPrefix(mediaType, "text/"):
		if email.Text == "" {
			email.Text = string(content)
		}
	}
}

// readAttachment decodes one attachment part and stores it through the tier.
func (p *Parser) readAttachment(ctx context.Context, body io.Reader, h *gomail.AttachmentHeader, email *model.ParsedEmail, summary *model.StorageSummary) {
	filename, err := h.Filename()
	if err != nil || filename == "" {
		filename = "attachment"
	}
	mediaType, _, err := h.ContentType()
	if err != nil {
		mediaType = "application/octet-stream"
	}

	summary.Total++

	content, err := io.ReadAll(body)
	if err != nil {
		p.logger.Warn("reading attachment failed", "filename", filename, "error", err)
		email.AttachmentInfo = append(email.AttachmentInfo, model.AttachmentRecord{
			Filename:    filename,
			ContentType: mediaType,
			StorageType: model.StorageTypeFailed,
			Error:       err.Error(),
		})
		return
	}

	att := model.Attachment{
		Filename:    filename,
		ContentType: mediaType,
		Size:        int64(len(content)),
		Content:     content,
	}

	stored := p.tier.Store(ctx, att)
	switch stored.Kind {
	case model.StoredObject:
		summary.UploadedToS3++
		email.AttachmentInfo = append(email.AttachmentInfo, stored.Record(att))
	case model.StoredLocal:
		summary.StoredLocally++
		email.AttachmentInfo = append(email.AttachmentInfo, stored.Record(att))
	case model.StoredSkipped:
		summary.Skipped++
		email.SkippedAttachments = append(email.SkippedAttachments, model.SkippedAttachment{
			Filename: filename,
			Size:     att.Size,
			Reason:   stored.Reason,
		})
	case model.StoredFailed:
		email.AttachmentInfo = append(email.AttachmentInfo, stored.Record(att))
	}
}

func (p *Parser) addressList(h *gomail.Header, key string) *model.AddressList {
	raw := h.Get(key)
	if raw == "" {
		return nil
	}

	list := &model.AddressList{Text: raw}
	addrs, err := h.AddressList(key)
	if err != nil {
		p.logger.Debug("address header did not parse, keeping raw text", "header", key, "error", err)
		return list
	}
	for _, a := range addrs {
		list.Value = append(list.Value, model.Address{Address: a.Address, Name: a.Name})
	}
	return list
}

func envelopeList(addrs ...string) *model.AddressList {
	list := &model.AddressList{Text: strings.Join(addrs, ", ")}
	for _, a := range addrs {
		list.Value = append(list.Value, model.Address{Address: a})
	}
	return list
}
