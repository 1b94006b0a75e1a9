package model

// Address is a single mailbox parsed from an address header.
type Address struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// AddressList mirrors the shape address headers take on the wire: the raw
// header text plus the decoded mailbox list.
type AddressList struct {
	Text  string    `json:"text"`
	Value []Address `json:"value"`
}

// Addresses returns the bare address strings of the list.
func (a *AddressList) Addresses() []string {
	if a == nil {
		return nil
	}
	out := make([]string, 0, len(a.Value))
	for _, v := range a.Value {
		out = append(out, v.Address)
	}
	return out
}

// SkippedAttachment records an attachment that was rejected before storage.
type SkippedAttachment struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Reason   string `json:"reason"`
}

// StorageSummary aggregates per-email attachment storage outcomes. It is
// attached to the parsed email only when the message carried at least one
// attachment.
type StorageSummary struct {
	Total         int `json:"total"`
	UploadedToS3  int `json:"uploadedToS3"`
	StoredLocally int `json:"storedLocally"`
	Skipped       int `json:"skipped"`
}

// ParsedEmail is the structured form of an inbound message that webhook
// endpoints receive as JSON.
type ParsedEmail struct {
	From               *AddressList        `json:"from,omitempty"`
	To                 *AddressList        `json:"to,omitempty"`
	Cc                 *AddressList        `json:"cc,omitempty"`
	Subject            string              `json:"subject"`
	Headers            Headers             `json:"headers"`
	Text               string              `json:"text"`
	HTML               string              `json:"html"`
	AttachmentInfo     []AttachmentRecord  `json:"attachmentInfo"`
	SkippedAttachments []SkippedAttachment `json:"skippedAttachments,omitempty"`
	StorageSummary     *StorageSummary     `json:"storageSummary,omitempty"`
}

// HasAttachments reports whether any non-skipped attachment survived parsing.
func (e *ParsedEmail) HasAttachments() bool {
	return len(e.AttachmentInfo) > 0
}
