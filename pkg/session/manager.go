// Package session persists conversations as JSON snapshots under the
// workspace and keeps their metadata indexed in the policy database.
package session

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/thoughtoinnovate/tark/pkg/conversation"
	"github.com/thoughtoinnovate/tark/pkg/errors"
	"github.com/thoughtoinnovate/tark/pkg/storage"
)

// TarkDir is the workspace state directory.
const TarkDir = ".tark"

// sessionsDirName holds conversation snapshots inside TarkDir.
const sessionsDirName = "sessions"

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(cryptorand.Reader, 0)
)

// NewSessionID returns a fresh ULID session id.
func NewSessionID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String())
}

// Manager loads and saves conversations for one workspace.
type Manager struct {
	workspace string
	store     *storage.Store
}

// NewManager creates a session manager rooted at workspace.
func NewManager(workspace string, store *storage.Store) (*Manager, error) {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStorage, "resolve workspace path")
	}
	m := &Manager{workspace: abs, store: store}
	if err := os.MkdirAll(m.Dir(), 0o700); err != nil {
		return nil, errors.Wrap(err, errors.KindStorage, "create sessions directory")
	}
	return m, nil
}

// Dir returns the workspace's sessions directory.
func (m *Manager) Dir() string {
	return filepath.Join(m.workspace, TarkDir, sessionsDirName)
}

func (m *Manager) pathFor(id string) string {
	return filepath.Join(m.Dir(), id+".json")
}

// Create starts a new conversation in this workspace.
func (m *Manager) Create(provider, modelID, mode, trust, workingDir string) *conversation.Conversation {
	if workingDir == "" {
		workingDir = m.workspace
	}
	return conversation.New(NewSessionID(), provider, modelID, mode, trust, workingDir)
}

// Save writes a full snapshot atomically (write-temp, rename) and
// refreshes the metadata index. Called after each finalized turn.
func (m *Manager) Save(ctx context.Context, conv *conversation.Conversation) error {
	snapshot := conv.Snapshot()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.KindStorage, "marshal session snapshot")
	}

	target := m.pathFor(snapshot.ID)
	tmp, err := os.CreateTemp(m.Dir(), snapshot.ID+".tmp-*")
	if err != nil {
		return errors.Wrap(err, errors.KindStorage, "create temp snapshot")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, errors.KindStorage, "write snapshot")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, errors.KindStorage, "close snapshot")
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, errors.KindStorage, "rename snapshot into place")
	}

	if m.store != nil {
		meta := &storage.SessionMeta{
			ID:         snapshot.ID,
			Workspace:  m.workspace,
			Provider:   snapshot.Provider,
			Model:      snapshot.Model,
			Mode:       snapshot.Mode,
			Trust:      snapshot.Trust,
			WorkingDir: snapshot.WorkingDir,
			CreatedAt:  snapshot.CreatedAt,
		}
		if err := m.store.UpsertSessionMeta(ctx, meta); err != nil {
			return errors.Wrap(err, errors.KindStorage, "index session metadata")
		}
		usage := &storage.SessionUsage{
			SessionID:    snapshot.ID,
			InputTokens:  snapshot.Accumulated.InputTokens,
			OutputTokens: snapshot.Accumulated.OutputTokens,
			Cost:         snapshot.Accumulated.Cost,
		}
		if err := m.store.SetSessionUsage(ctx, usage); err != nil {
			return errors.Wrap(err, errors.KindStorage, "record session usage")
		}
	}
	return nil
}

// Load restores a conversation and verifies the tool pairing invariant.
// A snapshot that fails verification is quarantined next to the
// original name, never silently discarded.
func (m *Manager) Load(id string) (*conversation.Conversation, error) {
	path := m.pathFor(id)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStorage, "read session snapshot")
	}

	var conv conversation.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		m.quarantine(path)
		return nil, errors.Wrap(err, errors.KindCorruptedSession, "parse session snapshot")
	}
	if err := conv.VerifyPairing(); err != nil {
		m.quarantine(path)
		return nil, err
	}
	return &conv, nil
}

func (m *Manager) quarantine(path string) {
	os.Rename(path, path+".corrupt")
}

// List returns the ids of sessions stored in this workspace, most
// recently modified first. Only files directly inside the workspace's
// sessions directory count.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.Dir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, errors.KindStorage, "list sessions directory")
	}

	type candidate struct {
		id       string
		modified time.Time
	}
	var candidates []candidate

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		// Workspace isolation: the entry's parent must be this
		// workspace's sessions directory exactly.
		full := filepath.Join(m.Dir(), entry.Name())
		if filepath.Dir(full) != m.Dir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{
			id:       strings.TrimSuffix(entry.Name(), ".json"),
			modified: info.ModTime(),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].modified.After(candidates[j].modified)
	})

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.id
	}
	return ids, nil
}

// Delete removes a session snapshot and its metadata.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := os.Remove(m.pathFor(id)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, errors.KindStorage, "delete session snapshot")
	}
	if m.store != nil {
		if err := m.store.DeleteSessionMeta(ctx, id); err != nil {
			return errors.Wrap(err, errors.KindStorage, "delete session metadata")
		}
	}
	return nil
}

// Switch loads another session after saving the current one.
func (m *Manager) Switch(ctx context.Context, current *conversation.Conversation, targetID string) (*conversation.Conversation, error) {
	if current != nil {
		if err := m.Save(ctx, current); err != nil {
			return nil, err
		}
	}
	return m.Load(targetID)
}
