package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"

	"github.com/go-redis/redis/v8"
)

// JSONStore keeps one list in a single JSON document that is read and
// written wholesale. It backs the guest list, so the principal is ignored.
type JSONStore struct {
	path string
}

func NewJSONStore(path string) *JSONStore {
	return &JSONStore{path: path}
}

func (s *JSONStore) GetHistory(_ context.Context, _ string) ([]Entry, error) {
	data, err := os.ReadFile(filepath.Clean(s.path)) // #nosec G304 -- path from config
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", s.path, err)
	}
	return entries, nil
}

// SaveHistory replaces the document through a temp file and rename, so
// readers never observe a partially written list.
func (s *JSONStore) SaveHistory(_ context.Context, _ string, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding history: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".history-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replacing %s: %w", s.path, err)
	}
	return nil
}

// FileStore keeps one JSON document per principal under a root directory.
type FileStore struct {
	root string
}

func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

func (s *FileStore) GetHistory(ctx context.Context, principal string) ([]Entry, error) {
	return s.doc(principal).GetHistory(ctx, principal)
}

func (s *FileStore) SaveHistory(ctx context.Context, principal string, entries []Entry) error {
	return s.doc(principal).SaveHistory(ctx, principal, entries)
}

// doc maps a principal to its document. Escaping keeps separators in
// principal ids from leaving the root.
func (s *FileStore) doc(principal string) *JSONStore {
	return NewJSONStore(filepath.Join(s.root, url.PathEscape(principal)+".json"))
}

// RedisStore keeps each principal's list as a JSON string under
// history:<principal>.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "history:"}
}

func (s *RedisStore) GetHistory(ctx context.Context, principal string) ([]Entry, error) {
	data, err := s.client.Get(ctx, s.prefix+principal).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decoding history for %s: %w", principal, err)
	}
	return entries, nil
}

func (s *RedisStore) SaveHistory(ctx context.Context, principal string, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encoding history: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+principal, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
