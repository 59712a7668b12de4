package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/ravenclaw-b/deepalts/internal/reputation"
)

const (
	identityFile   = "data.yml"
	graphFile      = "graph.yml"
	reputationFile = "reputation.yml"
)

// FileStore persists each section as a YAML document in its own file.
// Writes go to a temp file first and are renamed into place, so a crash
// mid-write never corrupts existing state.
type FileStore struct {
	dir string
}

// OpenFile creates a FileStore rooted at dir, creating it as needed.
func OpenFile(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

type identityDoc struct {
	HashedIPs map[string][]string `yaml:"hashed_ips"`
	Latest    map[string]string   `yaml:"latest_hashed"`
}

type graphDoc struct {
	Graph map[string][]string `yaml:"graph"`
}

type reputationDoc struct {
	Proxies map[string]reputation.Entry `yaml:"proxies"`
}

// SaveIdentity implements Store.
func (s *FileStore) SaveIdentity(history map[uuid.UUID][]string, latest map[uuid.UUID]string) error {
	doc := identityDoc{
		HashedIPs: make(map[string][]string, len(history)),
		Latest:    make(map[string]string, len(latest)),
	}
	for account, hashes := range history {
		doc.HashedIPs[account.String()] = hashes
	}
	for account, hashed := range latest {
		doc.Latest[account.String()] = hashed
	}
	return s.writeYAML(identityFile, &doc)
}

// LoadIdentity implements Store.
func (s *FileStore) LoadIdentity() (map[uuid.UUID][]string, map[uuid.UUID]string, error) {
	var doc identityDoc
	if err := s.readYAML(identityFile, &doc); err != nil {
		return nil, nil, err
	}

	history := make(map[uuid.UUID][]string, len(doc.HashedIPs))
	for key, hashes := range doc.HashedIPs {
		account, err := uuid.Parse(key)
		if err != nil {
			log.Warn().Str("key", key).Msg("store: invalid account id in identity data, skipping")
			continue
		}
		history[account] = hashes
	}

	latest := make(map[uuid.UUID]string, len(doc.Latest))
	for key, hashed := range doc.Latest {
		account, err := uuid.Parse(key)
		if err != nil {
			log.Warn().Str("key", key).Msg("store: invalid account id in latest data, skipping")
			continue
		}
		if hashed != "" {
			latest[account] = hashed
		}
	}
	return history, latest, nil
}

// SaveGraph implements Store.
func (s *FileStore) SaveGraph(adjacency map[uuid.UUID][]uuid.UUID) error {
	doc := graphDoc{Graph: make(map[string][]string, len(adjacency))}
	for account, neighbors := range adjacency {
		list := make([]string, 0, len(neighbors))
		for _, neighbor := range neighbors {
			list = append(list, neighbor.String())
		}
		doc.Graph[account.String()] = list
	}
	return s.writeYAML(graphFile, &doc)
}

// LoadGraph implements Store.
func (s *FileStore) LoadGraph() (map[uuid.UUID][]uuid.UUID, error) {
	var doc graphDoc
	if err := s.readYAML(graphFile, &doc); err != nil {
		return nil, err
	}

	adjacency := make(map[uuid.UUID][]uuid.UUID, len(doc.Graph))
	for key, neighbors := range doc.Graph {
		account, err := uuid.Parse(key)
		if err != nil {
			log.Warn().Str("key", key).Msg("store: invalid account id in graph data, skipping")
			continue
		}
		list := make([]uuid.UUID, 0, len(neighbors))
		for _, raw := range neighbors {
			neighbor, err := uuid.Parse(raw)
			if err != nil {
				log.Warn().Str("neighbor", raw).Msg("store: invalid neighbor id in graph data, skipping")
				continue
			}
			list = append(list, neighbor)
		}
		if len(list) > 0 {
			adjacency[account] = list
		}
	}
	return adjacency, nil
}

// SaveReputation implements Store.
func (s *FileStore) SaveReputation(entries map[string]reputation.Entry) error {
	return s.writeYAML(reputationFile, &reputationDoc{Proxies: entries})
}

// LoadReputation implements Store.
func (s *FileStore) LoadReputation() (map[string]reputation.Entry, error) {
	var doc reputationDoc
	if err := s.readYAML(reputationFile, &doc); err != nil {
		return nil, err
	}
	if doc.Proxies == nil {
		doc.Proxies = make(map[string]reputation.Entry)
	}
	return doc.Proxies, nil
}

// Close implements Store. FileStore holds no open handles.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) writeYAML(name string, doc any) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", name, err)
	}

	path := filepath.Join(s.dir, name)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("store: write %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("store: rename %s: %w", name, err)
	}
	return nil
}

func (s *FileStore) readYAML(name string, doc any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("file", name).Msg("store: no data file, starting fresh")
			return nil
		}
		return fmt.Errorf("store: read %s: %w", name, err)
	}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return fmt.Errorf("store: decode %s: %w", name, err)
	}
	return nil
}
