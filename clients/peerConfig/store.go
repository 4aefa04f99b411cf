package peerconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/Asort97/wgVpnBot/clients/models"
	"github.com/gofrs/flock"
)

var ErrNotFound = errors.New("peer config not found")

const (
	configExt = ".conf"
	lockName  = ".lock"
	fileMode  = 0o600
)

// Store keeps one config file per client in a directory. Writers take an
// exclusive flock on <dir>/.lock and readers a shared one, so several bot
// processes can share the directory. A Flock is per process, mu orders the
// goroutines of this one.
type Store struct {
	dir  string
	mu   sync.Mutex
	lock *flock.Flock
}

func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("config directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create config directory: %w", err)
	}
	return &Store{dir: dir, lock: flock.New(filepath.Join(dir, lockName))}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) Path(clientID int64) string {
	return filepath.Join(s.dir, strconv.FormatInt(clientID, 10)+configExt)
}

func (s *Store) Exists(clientID int64) bool {
	_, err := os.Stat(s.Path(clientID))
	return err == nil
}

// Write renders p and replaces the client's file atomically.
func (s *Store) Write(p models.PeerProfile) error {
	if p.ClientID == 0 {
		return errors.New("profile without client id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("lock config dir: %w", err)
	}
	defer s.lock.Unlock()

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(Render(p)); err != nil {
		tmp.Close()
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close config: %w", err)
	}
	if err := os.Rename(tmpName, s.Path(p.ClientID)); err != nil {
		return fmt.Errorf("install config: %w", err)
	}
	return nil
}

func (s *Store) Read(clientID int64) (models.PeerProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock.RLock(); err != nil {
		return models.PeerProfile{}, fmt.Errorf("lock config dir: %w", err)
	}
	defer s.lock.Unlock()
	return s.readFile(clientID, s.Path(clientID))
}

func (s *Store) readFile(clientID int64, path string) (models.PeerProfile, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return models.PeerProfile{}, fmt.Errorf("%w: client %d", ErrNotFound, clientID)
	}
	if err != nil {
		return models.PeerProfile{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	p, err := Parse(f)
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			pe.Path = path
		}
		return models.PeerProfile{}, err
	}
	p.ClientID = clientID
	return p, nil
}

// RenderedConfig returns the stored file as it will be sent to the user.
func (s *Store) RenderedConfig(clientID int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock.RLock(); err != nil {
		return nil, fmt.Errorf("lock config dir: %w", err)
	}
	defer s.lock.Unlock()

	data, err := os.ReadFile(s.Path(clientID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: client %d", ErrNotFound, clientID)
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return data, nil
}

// List returns every parsable profile ordered by client id. Files that do
// not parse are joined into the error while the rest are still returned.
func (s *Store) List() ([]models.PeerProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock.RLock(); err != nil {
		return nil, fmt.Errorf("lock config dir: %w", err)
	}
	defer s.lock.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read config dir: %w", err)
	}

	var (
		out  []models.PeerProfile
		errs []error
	)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, configExt) {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSuffix(name, configExt), 10, 64)
		if err != nil {
			continue
		}
		p, err := s.readFile(id, filepath.Join(s.dir, name))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out, errors.Join(errs...)
}

// Delete removes the client's file. Deleting a missing file is not an error.
func (s *Store) Delete(clientID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("lock config dir: %w", err)
	}
	defer s.lock.Unlock()

	if err := os.Remove(s.Path(clientID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete config: %w", err)
	}
	return nil
}
