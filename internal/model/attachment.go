package model

// Attachment is a decoded MIME part carrying a filename and content bytes.
type Attachment struct {
	Filename    string
	ContentType string
	Size        int64
	Content     []byte
}

// StoredKind discriminates the outcome variants of the storage tier.
type StoredKind string

const (
	StoredObject  StoredKind = "object"
	StoredLocal   StoredKind = "local"
	StoredSkipped StoredKind = "skipped"
	StoredFailed  StoredKind = "failed"
)

// StoredAttachment is the value-typed result of storing one attachment.
// Exactly the fields for its Kind are populated.
type StoredAttachment struct {
	Kind StoredKind

	// Kind == StoredObject
	URL string

	// Kind == StoredLocal
	Path         string
	AttachmentID string
	Note         string

	// Kind == StoredSkipped
	Reason string

	// Kind == StoredFailed
	Err string
}

// Storage type labels used in the webhook payload.
const (
	StorageTypeS3     = "s3"
	StorageTypeLocal  = "local"
	StorageTypeFailed = "failed"
)

// LocalStorageNote is included with locally staged attachments so webhook
// consumers know the location is temporary.
const LocalStorageNote = "Temporarily stored locally, will be uploaded to S3 when available"

// AttachmentRecord is the projection of a non-skipped StoredAttachment that
// ends up in the parsed email's attachmentInfo list.
type AttachmentRecord struct {
	Filename     string  `json:"filename"`
	ContentType  string  `json:"contentType"`
	Size         int64   `json:"size"`
	Location     *string `json:"location"`
	StorageType  string  `json:"storageType"`
	Note         string  `json:"note,omitempty"`
	AttachmentID string  `json:"attachmentId,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// Record projects a storage outcome onto the webhook-visible record for the
// given attachment. Skipped attachments have no record.
func (s StoredAttachment) Record(a Attachment) AttachmentRecord {
	rec := AttachmentRecord{
		Filename:    a.Filename,
		ContentType: a.ContentType,
		Size:        a.Size,
	}
	switch s.Kind {
	case StoredObject:
		url := s.URL
		rec.Location = &url
		rec.StorageType = StorageTypeS3
	case StoredLocal:
		rec.StorageType = StorageTypeLocal
		rec.Note = s.Note
		rec.AttachmentID = s.AttachmentID
	case StoredFailed:
		rec.StorageType = StorageTypeFailed
		rec.Error = s.Err
	}
	return rec
}
