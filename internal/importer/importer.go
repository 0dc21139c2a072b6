// Package importer seeds accounts from credential files dropped into a
// watched directory. Operators export cookie state from a browser into a
// JSON file; the importer turns each file into a stored account without
// restarting the daemon.
package importer

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/credkeeper/credkeeper/internal/logging"
	"github.com/credkeeper/credkeeper/internal/models"
)

// Store is the slice of the account store the importer needs.
type Store interface {
	GetAccount(id string) (*models.Account, bool)
	CreateAccount(acc *models.Account) error
}

// CredentialFile is one importable credential export.
type CredentialFile struct {
	ID          string            `json:"id,omitempty"`
	Email       string            `json:"email"`
	Credential  models.Credential `json:"credential"`
	AccountType string            `json:"account_type,omitempty"`
	Path        string            `json:"-"`
}

// DiscoverCredentialFiles scans a directory for importable credential files.
// Unreadable or malformed files are skipped.
func DiscoverCredentialFiles(dir string) ([]CredentialFile, error) {
	var files []CredentialFile

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) || os.IsPermission(err) {
			return []CredentialFile{}, nil
		}
		return nil, err
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var file CredentialFile
		if json.Unmarshal(data, &file) != nil {
			continue
		}
		if file.Email == "" || len(file.Credential) == 0 {
			continue
		}
		file.Path = path
		files = append(files, file)
	}

	return files, nil
}

// AccountID derives the stored account ID for a credential file.
func (f CredentialFile) AccountID() string {
	if f.ID != "" {
		return f.ID
	}
	return sanitizeAccountID(f.Email)
}

// sanitizeAccountID creates a safe account ID from an email address.
func sanitizeAccountID(email string) string {
	result := strings.ToLower(email)
	result = strings.ReplaceAll(result, "@", "_at_")
	result = strings.ReplaceAll(result, ".", "_")
	result = strings.ReplaceAll(result, "+", "_plus_")
	if len(result) > 63 {
		result = result[:63]
	}
	return result
}

// Importer watches a directory and creates an account for every credential
// file that does not have one yet. Existing accounts are never overwritten;
// the refresh pipeline owns their credential state once imported.
type Importer struct {
	store    Store
	dir      string
	interval time.Duration
	logger   *logging.Logger
	lastScan time.Time
	mu       sync.Mutex
}

// New creates an importer for the given directory.
func New(store Store, dir string, scanInterval time.Duration) *Importer {
	if scanInterval <= 0 {
		scanInterval = 5 * time.Minute
	}
	return &Importer{
		store:    store,
		dir:      dir,
		interval: scanInterval,
		logger:   logging.NewLogger(),
	}
}

// ScanAndSync imports every new credential file once. Returns the number of
// accounts created and the number of files skipped because an account
// already exists.
func (im *Importer) ScanAndSync() (created, skipped int, err error) {
	im.mu.Lock()
	defer im.mu.Unlock()

	files, err := DiscoverCredentialFiles(im.dir)
	if err != nil {
		return 0, 0, err
	}

	now := time.Now().UTC()
	for _, file := range files {
		id := file.AccountID()
		if _, ok := im.store.GetAccount(id); ok {
			skipped++
			continue
		}

		blob, err := file.Credential.Serialize()
		if err != nil {
			im.logger.Error("failed to serialize credential file", "path", file.Path, "error", err.Error())
			continue
		}

		acc := &models.Account{
			ID:               id,
			Enable:           true,
			SilentCredential: blob,
			AccountType:      file.AccountType,
			// Expired on arrival so the next batch refreshes it right away.
			CredentialExpiresAt: now,
		}
		if err := im.store.CreateAccount(acc); err != nil {
			im.logger.Error("failed to import credential file", "path", file.Path, "account_id", id, "error", err.Error())
			continue
		}
		im.logger.Info("imported credential file", "path", file.Path, "account_id", id)
		created++
	}

	im.lastScan = time.Now()
	return created, skipped, nil
}

// Watch starts a file watcher on the import directory. Each relevant event
// triggers a rescan; watcher errors are ignored because the periodic scan
// covers missed updates.
func (im *Importer) Watch(ctx context.Context) error {
	if im.dir == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := watcher.Add(im.dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
					_, _, _ = im.ScanAndSync()
				}
			case <-watcher.Errors:
			}
		}
	}()

	return nil
}

// StartAutoSync performs an initial scan and starts watcher plus periodic sync.
func (im *Importer) StartAutoSync(ctx context.Context) error {
	if _, _, err := im.ScanAndSync(); err != nil {
		return err
	}
	if err := im.Watch(ctx); err != nil {
		return err
	}

	go func() {
		ticker := time.NewTicker(im.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _, _ = im.ScanAndSync()
			}
		}
	}()

	return nil
}

// LastScan returns the time of the most recent completed scan.
func (im *Importer) LastScan() time.Time {
	im.mu.Lock()
	defer im.mu.Unlock()
	return im.lastScan
}
