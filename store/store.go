// Package store implements the persistent record store: one SQLite
// database holding projects, tasks, sessions, and work queues, fronted by
// an in-memory mirror for reads. All reads are served from the mirror;
// every write goes to SQLite first, then the mirror. The mirror hands out
// deep copies, never aliases into shared state.
package store

import (
	"database/sql"
	"fmt"
	"sort"
	"sync"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/forgecrew/foreman/errs"
	"github.com/forgecrew/foreman/project"
	"github.com/forgecrew/foreman/queue"
	"github.com/forgecrew/foreman/session"
	"github.com/forgecrew/foreman/task"
)

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	work_dir   TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS tasks (
	id             TEXT PRIMARY KEY,
	project_id     TEXT NOT NULL DEFAULT '',
	parent_id      TEXT NOT NULL DEFAULT '',
	title          TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	priority       INTEGER NOT NULL DEFAULT 1,
	dependencies   TEXT NOT NULL DEFAULT '[]',
	session_ids    TEXT NOT NULL DEFAULT '[]',
	session_status TEXT NOT NULL DEFAULT '{}',
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL,
	started_at     DATETIME,
	completed_at   DATETIME
);
CREATE TABLE IF NOT EXISTS sessions (
	id                  TEXT PRIMARY KEY,
	project_id          TEXT NOT NULL DEFAULT '',
	name                TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL,
	task_ids            TEXT NOT NULL DEFAULT '[]',
	timeline            TEXT NOT NULL DEFAULT '[]',
	needs_input         INTEGER NOT NULL DEFAULT 0,
	needs_input_message TEXT NOT NULL DEFAULT '',
	started_at          DATETIME NOT NULL,
	last_activity       DATETIME NOT NULL,
	completed_at        DATETIME
);
CREATE TABLE IF NOT EXISTS queues (
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL UNIQUE,
	items         TEXT NOT NULL DEFAULT '[]',
	current_index INTEGER NOT NULL DEFAULT -1,
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);
`

// Store owns the durable records and their in-memory mirror.
type Store struct {
	db *sql.DB

	mu       sync.RWMutex
	projects map[string]*project.Project
	tasks    map[string]*task.Task
	sessions map[string]*session.Session
	queues   map[string]*queue.Queue
	qBySess  map[string]string // session ID -> queue ID

	locks idLocker
}

// Open opens (or creates) the SQLite database at dbPath, ensures the
// schema, and loads every record into the mirror, self-healing any
// dangling cross-references found on disk. The caller must Close.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &Store{
		db:       db,
		projects: make(map[string]*project.Project),
		tasks:    make(map[string]*task.Task),
		sessions: make(map[string]*session.Session),
		queues:   make(map[string]*queue.Queue),
		qBySess:  make(map[string]string),
	}
	if err := s.load(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load records: %w", err)
	}
	return s, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// load fills the mirror from disk and heals dangling cross-references.
func (s *Store) load() error {
	if err := s.loadProjects(); err != nil {
		return err
	}
	if err := s.loadTasks(); err != nil {
		return err
	}
	if err := s.loadSessions(); err != nil {
		return err
	}
	if err := s.loadQueues(); err != nil {
		return err
	}
	return s.heal()
}

// heal prunes cross-reference entries that point at records deleted in a
// previous run and writes the healed rows back to disk.
func (s *Store) heal() error {
	for _, sess := range s.sessions {
		pruned := false
		for _, id := range sess.TaskIDs {
			if _, ok := s.tasks[id]; !ok {
				pruned = true
				break
			}
		}
		if pruned {
			kept := sess.TaskIDs[:0]
			for _, id := range sess.TaskIDs {
				if _, ok := s.tasks[id]; ok {
					kept = append(kept, id)
				}
			}
			if len(kept) == 0 {
				sess.TaskIDs = nil
			} else {
				sess.TaskIDs = kept
			}
			if err := s.writeSession(sess); err != nil {
				return fmt.Errorf("heal session %s: %w", sess.ID, err)
			}
		}
	}
	for _, t := range s.tasks {
		pruned := false
		for _, id := range t.SessionIDs {
			if _, ok := s.sessions[id]; !ok {
				pruned = true
				break
			}
		}
		if pruned {
			kept := t.SessionIDs[:0]
			for _, id := range t.SessionIDs {
				if _, ok := s.sessions[id]; ok {
					kept = append(kept, id)
				} else {
					delete(t.SessionStatus, id)
				}
			}
			if len(kept) == 0 {
				t.SessionIDs = nil
			} else {
				t.SessionIDs = kept
			}
			if err := s.writeTask(t); err != nil {
				return fmt.Errorf("heal task %s: %w", t.ID, err)
			}
		}
	}
	return nil
}

// Lock serializes mutations for the given entity identifiers. Locks are
// acquired in sorted order so that two-entity operations (link updates)
// cannot deadlock. The returned function releases them.
func (s *Store) Lock(ids ...string) func() {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return s.locks.lock(sorted)
}

// Counts reports the number of records per kind, for the status endpoint.
type Counts struct {
	Projects int `json:"projects"`
	Tasks    int `json:"tasks"`
	Sessions int `json:"sessions"`
	Queues   int `json:"queues"`
}

// Count returns the current record counts.
func (s *Store) Count() Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Counts{
		Projects: len(s.projects),
		Tasks:    len(s.tasks),
		Sessions: len(s.sessions),
		Queues:   len(s.queues),
	}
}

// idLocker hands out one mutex per entity identifier.
type idLocker struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (l *idLocker) lock(sorted []string) func() {
	entries := make([]*lockEntry, 0, len(sorted))
	for _, id := range sorted {
		l.mu.Lock()
		if l.locks == nil {
			l.locks = make(map[string]*lockEntry)
		}
		e, ok := l.locks[id]
		if !ok {
			e = &lockEntry{}
			l.locks[id] = e
		}
		e.refs++
		l.mu.Unlock()
		e.mu.Lock()
		entries = append(entries, e)
	}
	ids := sorted
	return func() {
		for i := len(entries) - 1; i >= 0; i-- {
			entries[i].mu.Unlock()
			l.mu.Lock()
			entries[i].refs--
			if entries[i].refs == 0 {
				delete(l.locks, ids[i])
			}
			l.mu.Unlock()
		}
	}
}

// notFound builds the store's standard not-found error.
func notFound(kind, id string) error {
	return errs.NotFound(kind+"_not_found", "%s %s not found", kind, id)
}

// storageErr wraps a SQLite failure.
func storageErr(op string, err error) error {
	return errs.Storage("db_"+op, err, "%s record", op)
}

