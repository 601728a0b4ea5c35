package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/TONresistor/tonnet-tunnel/internal/async"
	"github.com/TONresistor/tonnet-tunnel/internal/tunnelerr"
	"gopkg.in/yaml.v3"
)

// profileFile is the on-disk layout
type profileFile struct {
	Profiles []TunnelConfiguration `json:"profiles" yaml:"profiles"`
}

// FileStore keeps profiles in a single JSON or YAML file
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) LoadAll(ctx context.Context) *async.Future[[]TunnelConfiguration] {
	f := async.New[[]TunnelConfiguration]()
	go func() {
		if err := ctx.Err(); err != nil {
			f.Fail(fmt.Errorf("%w: %v", tunnelerr.ErrPersistence, err))
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()

		pf, err := s.read()
		if err != nil {
			f.Fail(err)
			return
		}
		f.Complete(pf.Profiles)
	}()
	return f
}

func (s *FileStore) Load(ctx context.Context, name string) *async.Future[TunnelConfiguration] {
	f := async.New[TunnelConfiguration]()
	go func() {
		if err := ctx.Err(); err != nil {
			f.Fail(fmt.Errorf("%w: %v", tunnelerr.ErrPersistence, err))
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()

		pf, err := s.read()
		if err != nil {
			f.Fail(err)
			return
		}
		for _, p := range pf.Profiles {
			if p.Name == name {
				f.Complete(p)
				return
			}
		}
		f.CompleteAbsent()
	}()
	return f
}

func (s *FileStore) Save(ctx context.Context, cfg TunnelConfiguration) *async.Future[struct{}] {
	if err := validate(cfg); err != nil {
		return async.Failed[struct{}](err)
	}

	f := async.New[struct{}]()
	go func() {
		if err := ctx.Err(); err != nil {
			f.Fail(fmt.Errorf("%w: %v", tunnelerr.ErrPersistence, err))
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()

		pf, err := s.read()
		if err != nil {
			f.Fail(err)
			return
		}

		replaced := false
		for i := range pf.Profiles {
			if pf.Profiles[i].Name == cfg.Name {
				pf.Profiles[i] = cfg.Clone()
				replaced = true
				break
			}
		}
		if !replaced {
			pf.Profiles = append(pf.Profiles, cfg.Clone())
		}

		if err := s.write(pf); err != nil {
			f.Fail(err)
			return
		}
		f.Complete(struct{}{})
	}()
	return f
}

// read loads the file; a missing file is an empty store
func (s *FileStore) read() (*profileFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &profileFile{}, nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", tunnelerr.ErrPersistence, s.path, err)
	}

	var pf profileFile
	if s.isYAML() {
		err = yaml.Unmarshal(data, &pf)
	} else {
		err = json.Unmarshal(data, &pf)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", tunnelerr.ErrPersistence, s.path, err)
	}
	return &pf, nil
}

// write replaces the file atomically
func (s *FileStore) write(pf *profileFile) error {
	var (
		data []byte
		err  error
	)
	if s.isYAML() {
		data, err = yaml.Marshal(pf)
	} else {
		data, err = json.MarshalIndent(pf, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("%w: marshal profiles: %v", tunnelerr.ErrPersistence, err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: %v", tunnelerr.ErrPersistence, err)
	}
	tmp, err := os.CreateTemp(dir, ".profiles-*")
	if err != nil {
		return fmt.Errorf("%w: %v", tunnelerr.ErrPersistence, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write %s: %v", tunnelerr.ErrPersistence, tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", tunnelerr.ErrPersistence, err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("%w: %v", tunnelerr.ErrPersistence, err)
	}
	return nil
}

func (s *FileStore) isYAML() bool {
	switch strings.ToLower(filepath.Ext(s.path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
