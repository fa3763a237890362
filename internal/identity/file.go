package identity

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// FileBackend stores all keys in a single file encoded as a protobuf Struct.
// Writes go to a temporary file that is renamed over the original.
type FileBackend struct {
	path   string
	logger zerolog.Logger
	mu     sync.Mutex
}

var _ Backend = (*FileBackend)(nil)

// NewFileBackend returns a FileBackend at path. The parent directory is
// created on first write. A file that cannot be decoded reads as an error
// and is overwritten by the next Set or Delete.
func NewFileBackend(path string, logger zerolog.Logger) *FileBackend {
	return &FileBackend{
		path:   path,
		logger: logger.With().Str("component", "identity_file").Logger(),
	}
}

func (f *FileBackend) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.read()
	if err != nil {
		return "", false, err
	}
	v, ok := values[key]
	return v, ok, nil
}

func (f *FileBackend) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.readForUpdate()
	if err != nil {
		return err
	}
	values[key] = value
	return f.write(values)
}

func (f *FileBackend) Delete(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.readForUpdate()
	if err != nil {
		return err
	}
	for _, k := range keys {
		delete(values, k)
	}
	return f.write(values)
}

func (f *FileBackend) read() (map[string]string, error) {
	data, err := f.load()
	if err != nil {
		return nil, err
	}
	return decode(data)
}

// readForUpdate is read for callers about to rewrite the file. Undecodable
// contents are discarded.
func (f *FileBackend) readForUpdate() (map[string]string, error) {
	data, err := f.load()
	if err != nil {
		return nil, err
	}
	values, err := decode(data)
	if err != nil {
		f.logger.Warn().Err(err).Str("path", f.path).Msg("overwriting corrupt identity file")
		return map[string]string{}, nil
	}
	return values, nil
}

// load returns nil data when the file does not exist.
func (f *FileBackend) load() ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading identity file")
	}
	return data, nil
}

func decode(data []byte) (map[string]string, error) {
	st := &structpb.Struct{}
	if err := proto.Unmarshal(data, st); err != nil {
		return nil, errors.Wrap(err, "decoding identity file")
	}

	values := make(map[string]string, len(st.GetFields()))
	for k, v := range st.GetFields() {
		if s, ok := v.GetKind().(*structpb.Value_StringValue); ok {
			values[k] = s.StringValue
		}
	}
	return values, nil
}

func (f *FileBackend) write(values map[string]string) error {
	fields := make(map[string]*structpb.Value, len(values))
	for k, v := range values {
		fields[k] = structpb.NewStringValue(v)
	}
	data, err := proto.MarshalOptions{Deterministic: true}.Marshal(&structpb.Struct{Fields: fields})
	if err != nil {
		return errors.Wrap(err, "encoding identity file")
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return errors.Wrap(err, "creating identity directory")
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrap(err, "writing identity file")
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return errors.Wrap(err, "replacing identity file")
	}
	return nil
}
