package weights

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	yaml "gopkg.in/yaml.v3"

	"github.com/715d/bytemapper/internal/features"
)

// Open returns the store for path: SQLite for .db and .sqlite files, yaml
// otherwise, and an in-memory store for an empty path.
func Open(path string) Store {
	if path == "" {
		return &Memory{}
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		return &SQLiteStore{Path: path}
	}
	return &FileStore{Path: path}
}

// FileStore keeps weights in a yaml document.
type FileStore struct {
	Path string
}

type fileDoc struct {
	Lambda  float64            `yaml:"lambda"`
	Weights map[string]float64 `yaml:"weights"`
}

func (s *FileStore) Load(context.Context) (Weights, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return Weights{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Weights{}, fmt.Errorf("%w: parse %s: %w", ErrUnavailable, s.Path, err)
	}
	w := Default()
	if doc.Lambda != 0 {
		w.Lambda = doc.Lambda
	}
	for i := range features.MicroBits {
		if v, ok := doc.Weights[features.Micro(1<<i).String()]; ok {
			w.IDF[i] = v
		}
	}
	return w.Normalize(), nil
}

func (s *FileStore) Save(_ context.Context, w Weights) error {
	doc := fileDoc{Lambda: w.Lambda, Weights: make(map[string]float64, features.MicroBits)}
	for i, v := range w.IDF {
		doc.Weights[features.Micro(1<<i).String()] = v
	}
	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if dir := filepath.Dir(s.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
	}
	if err := os.WriteFile(s.Path, data, 0o644); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}
