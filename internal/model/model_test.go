package model

import (
	"encoding/json"
	"regexp"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTaskIDFormat(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	id := NewTaskID(now)
	assert.Regexp(t, regexp.MustCompile(`^0*1700000000123-[0-9a-f]{8}$`), id)
}

func TestNewTaskIDSortsByCreationTime(t *testing.T) {
	times := []time.Time{
		time.UnixMilli(1700000000000),
		time.UnixMilli(1700000000001),
		time.UnixMilli(1700000001000),
		time.UnixMilli(1800000000000),
	}

	var ids []string
	for _, ts := range times {
		ids = append(ids, NewTaskID(ts))
	}

	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	assert.Equal(t, ids, sorted, "lexicographic order must follow creation time")
}

func TestNewTaskIDUnique(t *testing.T) {
	now := time.Now()
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewTaskID(now)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestHeadersCaseInsensitive(t *testing.T) {
	h := make(Headers)
	h.Add("x-custom-header", "one")
	h.Add("X-Custom-Header", "two")

	assert.Equal(t, []string{"one", "two"}, h.Get("X-CUSTOM-HEADER"))
	assert.Equal(t, "one", h.First("x-custom-header"))
	assert.Equal(t, "one two", h.Joined("X-Custom-Header"))
	assert.Empty(t, h.Get("missing"))
	assert.Empty(t, h.First("missing"))
}

func TestParsedEmailJSONShape(t *testing.T) {
	loc := "https://bucket.s3.test/1-doc.pdf"
	email := ParsedEmail{
		From: &AddressList{
			Text:  "Alice <alice@example.com>",
			Value: []Address{{Address: "alice@example.com", Name: "Alice"}},
		},
		Subject: "hi",
		Headers: Headers{"Subject": []string{"hi"}},
		Text:    "body",
		AttachmentInfo: []AttachmentRecord{
			{Filename: "doc.pdf", ContentType: "application/pdf", Size: 1024, Location: &loc, StorageType: StorageTypeS3},
			{Filename: "x.zip", ContentType: "application/zip", Size: 2048, StorageType: StorageTypeLocal, Note: LocalStorageNote, AttachmentID: "id-1"},
		},
		SkippedAttachments: []SkippedAttachment{{Filename: "big.iso", Size: 10485760, Reason: "File size exceeds maximum allowed"}},
		StorageSummary:     &StorageSummary{Total: 3, UploadedToS3: 1, StoredLocally: 1, Skipped: 1},
	}

	data, err := json.Marshal(email)
	require.NoError(t, err)

	var generic map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &generic))

	assert.Contains(t, generic, "attachmentInfo")
	assert.Contains(t, generic, "skippedAttachments")
	assert.Contains(t, generic, "storageSummary")

	summary := generic["storageSummary"].(map[string]interface{})
	assert.EqualValues(t, 3, summary["total"])
	assert.EqualValues(t, 1, summary["uploadedToS3"])
	assert.EqualValues(t, 1, summary["storedLocally"])
	assert.EqualValues(t, 1, summary["skipped"])

	info := generic["attachmentInfo"].([]interface{})
	first := info[0].(map[string]interface{})
	assert.Equal(t, loc, first["location"])
	assert.Equal(t, "s3", first["storageType"])

	second := info[1].(map[string]interface{})
	assert.Nil(t, second["location"], "local attachments carry a null location")
	assert.Equal(t, "local", second["storageType"])
	assert.Equal(t, LocalStorageNote, second["note"])
}

func TestParsedEmailOmitsEmptySections(t *testing.T) {
	email := ParsedEmail{Subject: "bare", Headers: Headers{}}
	data, err := json.Marshal(email)
	require.NoError(t, err)

	var generic map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &generic))
	assert.NotContains(t, generic, "storageSummary")
	assert.NotContains(t, generic, "skippedAttachments")
	assert.NotContains(t, generic, "from")
}

func TestAddressListAddresses(t *testing.T) {
	var nilList *AddressList
	assert.Nil(t, nilList.Addresses())

	list := &AddressList{Value: []Address{{Address: "a@x"}, {Address: "b@x"}}}
	assert.Equal(t, []string{"a@x", "b@x"}, list.Addresses())
}
