package snapshot

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tedge-bridge/cloud-mapper/pkg/models"
)

// registrationLine is the on-disk JSON representation of one
// models.Registration; string fields only, so the file stays readable.
type registrationLine struct {
	TopicID    string `json:"topic_id"`
	Type       string `json:"type"`
	ExternalID string `json:"external_id,omitempty"`
	Parent     string `json:"parent,omitempty"`
	Health     string `json:"health,omitempty"`
}

// FileStore appends one JSON line per registration to a file under the
// mapper's data directory, grounded on the teacher's
// MemoryStore.saveSnapshot temp-file-then-rename pattern.
type FileStore struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// NewFileStore opens (creating if necessary) the snapshot file at path.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open snapshot file %s: %w", path, err)
	}
	return &FileStore{path: path, file: f}, nil
}

func (s *FileStore) Append(_ context.Context, reg models.Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line := registrationLine{
		TopicID:    reg.TopicID.String(),
		Type:       string(reg.Type),
		ExternalID: reg.ExternalID,
		Health:     reg.Health,
	}
	if reg.Parent != nil {
		line.Parent = reg.Parent.String()
	}
	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("marshal registration snapshot line: %w", err)
	}
	data = append(data, '\n')
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("append registration snapshot line: %w", err)
	}
	return s.file.Sync()
}

func (s *FileStore) LoadAll(_ context.Context) ([]models.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open snapshot file %s: %w", s.path, err)
	}
	defer f.Close()

	var regs []models.Registration
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var line registrationLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return nil, fmt.Errorf("parse registration snapshot line: %w", err)
		}
		reg, err := lineToRegistration(line)
		if err != nil {
			return nil, err
		}
		regs = append(regs, reg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan snapshot file %s: %w", s.path, err)
	}
	return regs, nil
}

func lineToRegistration(line registrationLine) (models.Registration, error) {
	tid, err := models.NewEntityTopicId(line.TopicID)
	if err != nil {
		return models.Registration{}, fmt.Errorf("invalid snapshot topic id %q: %w", line.TopicID, err)
	}
	reg := models.Registration{
		TopicID:    tid,
		Type:       models.EntityType(line.Type),
		ExternalID: line.ExternalID,
		Health:     line.Health,
	}
	if line.Parent != "" {
		parentTid, err := models.NewEntityTopicId(line.Parent)
		if err != nil {
			return models.Registration{}, fmt.Errorf("invalid snapshot parent topic id %q: %w", line.Parent, err)
		}
		reg.Parent = &parentTid
	}
	return reg, nil
}

// Compact rewrites the snapshot to contain exactly regs, one per line,
// via temp-file-then-rename so a crash mid-write can't corrupt the file
// a concurrent reader might be loading.
func (s *FileStore) Compact(regs []models.Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close snapshot file before compaction: %w", err)
	}

	tmp := s.path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("create snapshot compaction tmp file: %w", err)
	}
	for _, reg := range regs {
		line := registrationLine{TopicID: reg.TopicID.String(), Type: string(reg.Type), ExternalID: reg.ExternalID, Health: reg.Health}
		if reg.Parent != nil {
			line.Parent = reg.Parent.String()
		}
		data, err := json.Marshal(line)
		if err != nil {
			out.Close()
			return fmt.Errorf("marshal compacted registration: %w", err)
		}
		if _, err := out.Write(append(data, '\n')); err != nil {
			out.Close()
			return fmt.Errorf("write compacted registration: %w", err)
		}
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("sync snapshot compaction tmp file: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close snapshot compaction tmp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename compacted snapshot into place: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("reopen snapshot file for append after compaction: %w", err)
	}
	s.file = f
	return nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
