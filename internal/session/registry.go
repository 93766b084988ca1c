package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drape/drape/internal/common/logger"
)

const saveDebounce = 1 * time.Second

// Registry maintains the (userID, projectID) -> Session map and persists it
// to a single JSON file. Writes are coalesced: mutations schedule a save and
// the file is rewritten in full once activity settles.
type Registry struct {
	path   string
	logger *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	debounce    time.Duration
	saveTrigger chan struct{}
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// NewRegistry loads the registry from path and starts the save loop. A
// missing or unreadable file is not an error; the registry starts empty.
func NewRegistry(path string, log *logger.Logger) *Registry {
	return newRegistry(path, saveDebounce, log)
}

func newRegistry(path string, debounce time.Duration, log *logger.Logger) *Registry {
	r := &Registry{
		path:        path,
		logger:      log.WithFields(zap.String("component", "session-registry")),
		sessions:    make(map[string]*Session),
		locks:       make(map[string]*sync.Mutex),
		debounce:    debounce,
		saveTrigger: make(chan struct{}, 1), // Buffered to avoid blocking
		stopCh:      make(chan struct{}),
	}

	r.load()

	r.wg.Add(1)
	go r.saveLoop()

	return r
}

// Get returns the session for a (userID, projectID) pair.
func (r *Registry) Get(userID, projectID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[Key(userID, projectID)]
	return s.clone(), ok
}

// GetByProject returns the most recently used session for a project,
// regardless of user. Proxies that only know the project id use this.
func (r *Registry) GetByProject(projectID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *Session
	for _, s := range r.sessions {
		if s.ProjectID != projectID {
			continue
		}
		if latest == nil || s.LastUsed.After(latest.LastUsed) {
			latest = s
		}
	}
	return latest.clone(), latest != nil
}

// GetByContainer returns the session bound to a container id.
func (r *Registry) GetByContainer(containerID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.sessions {
		if s.ContainerID == containerID {
			return s.clone(), true
		}
	}
	return nil, false
}

// ListByUser returns all sessions for a user, most recently used first.
func (r *Registry) ListByUser(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Session
	for _, s := range r.sessions {
		if s.UserID == userID {
			out = append(out, s.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastUsed.After(out[j].LastUsed)
	})
	return out
}

// All returns every session in the registry. Used by the idle reaper and
// container adoption.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.clone())
	}
	return out
}

// Set stores a session, replacing any existing record for the same key, and
// schedules a save.
func (r *Registry) Set(s *Session) {
	now := time.Now().UTC()
	stored := s.clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.LastUsed.Before(stored.CreatedAt) {
		stored.LastUsed = stored.CreatedAt
	}

	r.mu.Lock()
	r.sessions[Key(stored.UserID, stored.ProjectID)] = stored
	r.mu.Unlock()

	r.scheduleSave()
}

// Touch stamps lastUsed on an existing session.
func (r *Registry) Touch(userID, projectID string) {
	r.mu.Lock()
	if s, ok := r.sessions[Key(userID, projectID)]; ok {
		s.LastUsed = time.Now().UTC()
	}
	r.mu.Unlock()

	r.scheduleSave()
}

// Delete removes a session and schedules a save.
func (r *Registry) Delete(userID, projectID string) {
	r.mu.Lock()
	delete(r.sessions, Key(userID, projectID))
	r.mu.Unlock()

	r.scheduleSave()
}

// WithLock runs fn while holding the per-key lock for (userID, projectID).
// Callers on the same key serialize; callers on distinct keys do not.
func (r *Registry) WithLock(userID, projectID string, fn func() error) error {
	lock := r.keyLock(Key(userID, projectID))
	lock.Lock()
	defer lock.Unlock()
	return fn()
}

func (r *Registry) keyLock(key string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()

	l, ok := r.locks[key]
	if !ok {
		l = &sync.Mutex{}
		r.locks[key] = l
	}
	return l
}

// Close stops the save loop and flushes pending state to disk.
func (r *Registry) Close() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	r.wg.Wait()
	r.save()
}

func (r *Registry) scheduleSave() {
	select {
	case r.saveTrigger <- struct{}{}:
	default:
		// Save already pending
	}
}

// saveLoop coalesces save triggers: the file is written once activity
// settles for the debounce duration.
func (r *Registry) saveLoop() {
	defer r.wg.Done()

	var timer *time.Timer
	var pending bool

	for {
		select {
		case <-r.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-r.saveTrigger:
			if timer == nil {
				timer = time.NewTimer(r.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(r.debounce)
			}
			pending = true
		case <-func() <-chan time.Time {
			if timer != nil {
				return timer.C
			}
			return nil
		}():
			if pending {
				r.save()
				pending = false
			}
			timer = nil
		}
	}
}

// save rewrites the registry file in full. Failures are logged; a failed
// save never fails the mutation that scheduled it.
func (r *Registry) save() {
	r.mu.RLock()
	count := len(r.sessions)
	data, err := json.MarshalIndent(r.sessions, "", "  ")
	r.mu.RUnlock()
	if err != nil {
		r.logger.Error("failed to marshal session registry", zap.Error(err))
		return
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		r.logger.Error("failed to create registry directory", zap.Error(err))
		return
	}

	if err := os.WriteFile(r.path, data, 0o644); err != nil {
		r.logger.Error("failed to write session registry", zap.Error(err))
		return
	}

	r.logger.Debug("saved session registry", zap.Int("sessions", count))
}

// load reads the registry file. Entries keyed without a user id come from
// registry files written before user scoping and are tagged LegacyUserID.
func (r *Registry) load() {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("failed to read session registry, starting empty", zap.Error(err))
		}
		return
	}

	var raw map[string]*Session
	if err := json.Unmarshal(data, &raw); err != nil {
		r.logger.Warn("failed to parse session registry, starting empty", zap.Error(err))
		return
	}

	for key, s := range raw {
		if s == nil {
			continue
		}
		userID, projectID, ok := splitKey(key)
		if !ok {
			userID, projectID = LegacyUserID, key
		}
		if s.UserID == "" {
			s.UserID = userID
		}
		if s.ProjectID == "" {
			s.ProjectID = projectID
		}
		r.sessions[Key(s.UserID, s.ProjectID)] = s
	}

	r.logger.Info("loaded session registry",
		zap.String("path", r.path),
		zap.Int("sessions", len(r.sessions)))
}
