package credfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/bnema/webex-term/internal/domain"
	"github.com/bnema/webex-term/internal/ports"
)

const (
	credDirMode  = 0o700
	credFileMode = 0o600

	tempFilePattern = ".credentials-*.json.tmp"
)

// Store persists the credential as a JSON file shared between terminal
// processes. Every read and write happens under an advisory flock on a
// sibling lock file, held only for the duration of the file access and
// never across a network call.
type Store struct {
	path      string
	refresher ports.TokenRefresher

	// mu serializes refresh attempts within this process; the flock only
	// arbitrates between processes.
	mu sync.Mutex
}

var _ ports.CredentialStore = (*Store)(nil)

func NewStore(path string, refresher ports.TokenRefresher) *Store {
	return &Store{path: filepath.Clean(path), refresher: refresher}
}

// DefaultPath returns the credential file location under the user config
// directory.
func DefaultPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config directory: %w", err)
	}
	return filepath.Join(configDir, "webex-term", "credentials.json"), nil
}

func (s *Store) Load(ctx context.Context) (domain.Credential, error) {
	if err := ctx.Err(); err != nil {
		return domain.Credential{}, err
	}

	var cred domain.Credential
	err := s.withLock(syscall.LOCK_SH, func() error {
		var readErr error
		cred, readErr = s.read()
		return readErr
	})
	return cred, err
}

func (s *Store) Save(ctx context.Context, cred domain.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.withLock(syscall.LOCK_EX, func() error {
		return s.write(cred)
	})
}

// Refresh rotates the stored credential's tokens. The flock is taken twice,
// around the read and around the write, with the token-endpoint call made in
// between so a slow refresh never blocks other processes. If another process
// rotated the token first, the caller gets that process's credential.
func (s *Store) Refresh(ctx context.Context, cred domain.Credential) (domain.Credential, error) {
	if s.refresher == nil {
		return domain.Credential{}, errors.New("credential store has no token refresher")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var onDisk domain.Credential
	err := s.withLock(syscall.LOCK_SH, func() error {
		var readErr error
		onDisk, readErr = s.read()
		return readErr
	})
	if err != nil {
		return domain.Credential{}, err
	}

	// Another process already rotated this refresh token; its file is the
	// source of truth.
	if cred.RefreshToken != "" && onDisk.RefreshToken != cred.RefreshToken {
		return onDisk, nil
	}

	refreshed, refreshErr := s.refresher.RefreshTokens(ctx, onDisk.RefreshToken)
	if refreshErr != nil {
		if errors.Is(refreshErr, domain.ErrNotAuthenticated) {
			// We may have lost the race: the winner consumed the token and
			// wrote a fresh credential. Re-read before declaring the
			// session dead.
			var current domain.Credential
			rereadErr := s.withLock(syscall.LOCK_SH, func() error {
				var readErr error
				current, readErr = s.read()
				return readErr
			})
			if rereadErr == nil && current.RefreshToken != onDisk.RefreshToken {
				return current, nil
			}
		}
		return domain.Credential{}, refreshErr
	}

	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = onDisk.RefreshToken
	}
	if refreshed.AccountID == "" {
		refreshed.AccountID = onDisk.AccountID
	}
	if len(refreshed.Scopes) == 0 {
		refreshed.Scopes = onDisk.Scopes
	}

	err = s.withLock(syscall.LOCK_EX, func() error {
		return s.write(refreshed)
	})
	if err != nil {
		return domain.Credential{}, err
	}

	return refreshed, nil
}

func (s *Store) Invalidate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.withLock(syscall.LOCK_EX, func() error {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove credential file: %w", err)
		}
		return nil
	})
}

func (s *Store) lockPath() string {
	return s.path + ".lock"
}

func (s *Store) withLock(lockType int, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(s.path), credDirMode); err != nil {
		return fmt.Errorf("create credential directory: %w", err)
	}

	f, err := os.OpenFile(s.lockPath(), os.O_CREATE|os.O_RDWR, credFileMode)
	if err != nil {
		return fmt.Errorf("open credential lock file: %w", err)
	}
	defer f.Close() //nolint:errcheck

	if err := syscall.Flock(int(f.Fd()), lockType); err != nil {
		return fmt.Errorf("acquire credential file lock: %w", err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN) //nolint:errcheck

	return fn()
}

func (s *Store) read() (domain.Credential, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.Credential{}, domain.ErrNotAuthenticated
		}
		return domain.Credential{}, fmt.Errorf("read credential file: %w", err)
	}

	var cred domain.Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return domain.Credential{}, fmt.Errorf("decode credential file: %w", err)
	}
	if cred.AccessToken == "" {
		return domain.Credential{}, domain.ErrNotAuthenticated
	}

	return cred, nil
}

func (s *Store) write(cred domain.Credential) error {
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), tempFilePattern)
	if err != nil {
		return fmt.Errorf("create credential temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if err := tmp.Chmod(credFileMode); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("chmod credential temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write credential temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close credential temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace credential file: %w", err)
	}

	return nil
}
