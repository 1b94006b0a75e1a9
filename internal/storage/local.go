package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	localDirMode  = 0o700
	localFileMode = 0o600
	metaSuffix    = ".meta"

	gcmIVSize  = 12
	gcmTagSize = 16
)

// Meta is the sidecar record written next to every locally staged
// attachment. For encrypted payloads it carries the material needed to
// decrypt: the data file holds the ciphertext without the auth tag, which
// lives here.
type Meta struct {
	OriginalName string `json:"originalName"`
	ContentType  string `json:"contentType"`
	Size         int64  `json:"size"`
	SavedAt      string `json:"savedAt"`
	FileID       string `json:"fileId"`
	Encrypted    bool   `json:"encrypted,omitempty"`
	Algorithm    string `json:"algorithm,omitempty"`
	IV           string `json:"iv,omitempty"`
	AuthTag      string `json:"authTag,omitempty"`
}

// LocalStore is the on-disk staging area used when the primary store is
// unavailable. Content is optionally encrypted at rest with AES-256-GCM.
type LocalStore struct {
	dir string
	key []byte // 32 bytes, or nil for plaintext storage
	now func() time.Time
}

// NewLocalStore opens (creating if needed) the staging directory. key must
// be nil or exactly 32 bytes.
func NewLocalStore(dir string, key []byte) (*LocalStore, error) {
	if key != nil && len(key) != 32 {
		return nil, fmt.Errorf("local storage encryption key must be 32 bytes, got %d", len(key))
	}
	if err := os.MkdirAll(dir, localDirMode); err != nil {
		return nil, fmt.Errorf("creating local storage directory %s: %w", dir, err)
	}
	if err := os.Chmod(dir, localDirMode); err != nil {
		return nil, fmt.Errorf("restricting local storage directory %s: %w", dir, err)
	}
	return &LocalStore{dir: dir, key: key, now: time.Now}, nil
}

// Save writes content plus its meta sidecar and returns the data file path
// and the generated attachment id.
func (l *LocalStore) Save(name, contentType string, content []byte) (path, fileID string, err error) {
	fileID = uuid.NewString()
	suffix := make([]byte, 8)
	if _, err := rand.Read(suffix); err != nil {
		return "", "", fmt.Errorf("generating file suffix: %w", err)
	}

	base := fmt.Sprintf("%d-%s-%s", l.now().UnixMilli(), hex.EncodeToString(suffix), sanitizeFilename(name))
	path = filepath.Join(l.dir, base)

	meta := Meta{
		OriginalName: name,
		ContentType:  contentType,
		Size:         int64(len(content)),
		SavedAt:      l.now().UTC().Format(time.RFC3339),
		FileID:       fileID,
	}

	payload := content
	if l.key != nil {
		ciphertext, iv, tag, encErr := encryptGCM(l.key, content)
		if encErr != nil {
			return "", "", fmt.Errorf("encrypting attachment %s: %w", name, encErr)
		}
		payload = ciphertext
		meta.Encrypted = true
		meta.Algorithm = "aes-256-gcm"
		meta.IV = hex.EncodeToString(iv)
		meta.AuthTag = hex.EncodeToString(tag)
	}

	if err := os.WriteFile(path, payload, localFileMode); err != nil {
		return "", "", fmt.Errorf("writing attachment %s: %w", name, err)
	}

	metaData, err := json.Marshal(meta)
	if err != nil {
		os.Remove(path)
		return "", "", fmt.Errorf("encoding meta for %s: %w", name, err)
	}
	if err := os.WriteFile(path+metaSuffix, metaData, localFileMode); err != nil {
		os.Remove(path)
		return "", "", fmt.Errorf("writing meta for %s: %w", name, err)
	}

	return path, fileID, nil
}

// Read loads the content and meta for a staged attachment, decrypting when
// needed. A tampered ciphertext or auth tag fails the read.
func (l *LocalStore) Read(path string) ([]byte, *Meta, error) {
	metaData, err := os.ReadFile(path + metaSuffix)
	if err != nil {
		return nil, nil, fmt.Errorf("reading meta for %s: %w", path, err)
	}
	var meta Meta
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return nil, nil, fmt.Errorf("decoding meta for %s: %w", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading attachment %s: %w", path, err)
	}

	if !meta.Encrypted {
		return data, &meta, nil
	}

	if l.key == nil {
		return nil, nil, fmt.Errorf("attachment %s is encrypted but no key is configured", path)
	}
	iv, err := hex.DecodeString(meta.IV)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding iv for %s: %w", path, err)
	}
	tag, err := hex.DecodeString(meta.AuthTag)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding auth tag for %s: %w", path, err)
	}

	plaintext, err := decryptGCM(l.key, iv, tag, data)
	if err != nil {
		return nil, nil, fmt.Errorf("decrypting %s: %w", path, err)
	}
	return plaintext, &meta, nil
}

// Remove unlinks the data file and its meta sidecar.
func (l *LocalStore) Remove(path string) error {
	var firstErr error
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		firstErr = err
	}
	if err := os.Remove(path + metaSuffix); err != nil && !os.IsNotExist(err) && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Entry pairs a staged data file with its meta.
type Entry struct {
	Path string
	Meta Meta
}

// List scans the staging directory for attachments awaiting drain. Meta
// files whose data file is gone are garbage-collected here.
func (l *LocalStore) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("listing local storage: %w", err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, metaSuffix) {
			continue
		}
		dataPath := filepath.Join(l.dir, strings.TrimSuffix(name, metaSuffix))
		if _, err := os.Stat(dataPath); os.IsNotExist(err) {
			// Orphaned meta: the data file is gone, drop the sidecar.
			os.Remove(filepath.Join(l.dir, name))
			continue
		}

		metaData, err := os.ReadFile(filepath.Join(l.dir, name))
		if err != nil {
			continue
		}
		var meta Meta
		if err := json.Unmarshal(metaData, &meta); err != nil {
			continue
		}
		entries = append(entries, Entry{Path: dataPath, Meta: meta})
	}
	return entries, nil
}

// SweepOlderThan unlinks staged attachments whose data file mtime is older
// than the retention period. Returns the number of files removed.
func (l *LocalStore) SweepOlderThan(retention time.Duration) (int, error) {
	entries, err := l.List()
	if err != nil {
		return 0, err
	}

	cutoff := l.now().Add(-retention)
	removed := 0
	for _, e := range entries {
		info, err := os.Stat(e.Path)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := l.Remove(e.Path); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func encryptGCM(key, plaintext []byte) (ciphertext, iv, tag []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, nil, err
	}

	iv = make([]byte, gcmIVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, nil, err
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ciphertext = sealed[:len(sealed)-gcmTagSize]
	tag = sealed[len(sealed)-gcmTagSize:]
	return ciphertext, iv, tag, nil
}

func decryptGCM(key, iv, tag, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	return gcm.Open(nil, iv, sealed, nil)
}

// sanitizeFilename strips path separators and control characters so a hostile
// attachment name cannot escape the staging directory.
func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == os.PathSeparator || r == '/' || r == '\\' {
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return "attachment"
	}
	return name
}
