package fs

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// Config represents the file store config structure.
type Config struct {
	Path string `koanf:"path"`
}

// File represents the file-backed implementation of the Store interface.
// Writes are flushed to disk periodically and on Close.
type File struct {
	cfg   *Config
	data  map[string][]byte
	mu    sync.Mutex
	dirty bool
	log   *log.Logger
}

// New returns a new file store.
func New(cfg Config, log *log.Logger) (*File, error) {
	store := &File{
		cfg:  &cfg,
		data: map[string][]byte{},
		log:  log,
	}
	err := store.load()
	go store.watch()
	return store, err
}

// watch flushes dirty data periodically.
func (m *File) watch() {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for range t.C {
		m.save()
	}
}

// load the data from the file system.
func (m *File) load() error {
	if _, err := os.Stat(m.cfg.Path); err != nil {
		return nil
	}
	data, err := os.ReadFile(m.cfg.Path)
	if err != nil {
		return err
	}
	x := struct {
		Data map[string][]byte
	}{}
	if err := json.Unmarshal(data, &x); err != nil {
		return err
	}
	m.data = x.Data
	return nil
}

// save the data to the file system.
func (m *File) save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirty {
		return nil
	}
	data, err := json.Marshal(struct {
		Data map[string][]byte
	}{Data: m.data})
	if err != nil {
		return err
	}
	m.dirty = false
	if err := os.WriteFile(m.cfg.Path, data, 0600); err != nil {
		m.log.Printf("error writing file %q: %v", m.cfg.Path, err)
		return err
	}
	return nil
}

// Close and save the data to the file system.
func (m *File) Close() error {
	return m.save()
}

// Get value from a key.
func (m *File) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[key]
	if !ok {
		return nil, fmt.Errorf("key %q not found", key)
	}
	return d, nil
}

// Set a value.
func (m *File) Set(key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), data...)
	m.dirty = true
	return nil
}

// Delete a value.
func (m *File) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	m.dirty = true
	return nil
}
