package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Task is one durable unit of webhook work covering one parsed email.
// FailedWebhooks, when set, restricts the next delivery attempt to the
// targets that failed previously.
type Task struct {
	ID             string      `json:"id"`
	CreatedAt      time.Time   `json:"createdAt"`
	Parsed         ParsedEmail `json:"parsed"`
	FailedWebhooks []string    `json:"failedWebhooks,omitempty"`
	Attempts       int         `json:"attempts"`
	LastError      string      `json:"lastError,omitempty"`
	UpdatedAt      *time.Time  `json:"updatedAt,omitempty"`
}

// NewTaskID builds a monotonically sortable task id: the creation time in
// unix milliseconds followed by a random hex suffix. Lexicographic order on
// ids approximates FIFO on creation time.
func NewTaskID(now time.Time) string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is unrecoverable for id generation
		panic(fmt.Sprintf("task id entropy: %v", err))
	}
	return fmt.Sprintf("%013d-%s", now.UnixMilli(), hex.EncodeToString(buf))
}
