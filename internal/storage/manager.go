package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/motec-viewer/backend/internal/models"
	"github.com/motec-viewer/backend/internal/parser"
)

var (
	// ErrNotFound is returned for unknown file IDs.
	ErrNotFound = errors.New("file not found")
	// ErrFileTooLarge is returned when a saved file exceeds the size limit.
	ErrFileTooLarge = errors.New("file too large")
)

// detectWindow is enough bytes for parser.DetectFileType to tell LD from unknown.
const detectWindow = parser.LDHeaderSize + 1

// Store defines the interface for file storage.
type Store interface {
	Save(name string, r io.Reader) (*models.FileInfo, error)
	SaveBytes(name string, data []byte) (*models.FileInfo, error)
	Get(id string) (*models.FileInfo, error)
	List(limit int) ([]*models.FileInfo, error)
	Delete(id string) error
	Rename(id string, newName string) (*models.FileInfo, error)
	GetFilePath(id string) (string, error)
	ReadHead(id string, n int) ([]byte, error)
	ReadAll(id string) ([]byte, error)
	SaveChunk(uploadID string, chunkIndex int, r io.Reader) error
	CompleteChunkedUpload(uploadID string, name string, totalChunks int) (*models.FileInfo, error)
	RegisterFile(path string) (*models.FileInfo, error)
}

// LocalStore implements Store using the local filesystem.
type LocalStore struct {
	mu        sync.RWMutex
	uploadDir string
	files     map[string]*models.FileInfo
	// external holds paths of registered files that live outside uploadDir.
	external map[string]string
	maxSize  int64 // 0 for no limit
}

// NewLocalStore creates a new LocalStore.
func NewLocalStore(uploadDir string) (*LocalStore, error) {
	if err := os.MkdirAll(uploadDir, 0755); err != nil {
		return nil, fmt.Errorf("creating upload directory: %w", err)
	}

	return &LocalStore{
		uploadDir: uploadDir,
		files:     make(map[string]*models.FileInfo),
		external:  make(map[string]string),
	}, nil
}

// SetMaxFileSize bounds the size of files written by Save and the chunked
// upload path. Zero disables the limit.
func (s *LocalStore) SetMaxFileSize(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxSize = n
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Save saves a file to the local filesystem and records its detected type.
func (s *LocalStore) Save(name string, r io.Reader) (*models.FileInfo, error) {
	id := uuid.New().String()
	path := filepath.Join(s.uploadDir, id)

	s.mu.RLock()
	maxSize := s.maxSize
	s.mu.RUnlock()
	if maxSize > 0 {
		r = io.LimitReader(r, maxSize+1)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating file: %w", err)
	}
	defer f.Close()

	head := &prefixBuffer{limit: detectWindow}
	size, err := io.Copy(f, io.TeeReader(r, head))
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("writing file: %w", err)
	}
	if maxSize > 0 && size > maxSize {
		os.Remove(path)
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrFileTooLarge, maxSize)
	}

	info := &models.FileInfo{
		ID:         id,
		Name:       name,
		Size:       size,
		Type:       parser.DetectFileType(head.Bytes()).Model(),
		UploadedAt: time.Now(),
		Status:     "uploaded",
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[id] = info

	return info, nil
}

// SaveBytes saves an in-memory file.
func (s *LocalStore) SaveBytes(name string, data []byte) (*models.FileInfo, error) {
	return s.Save(name, bytes.NewReader(data))
}

// RegisterFile makes an existing file on disk available by ID without copying it.
func (s *LocalStore) RegisterFile(path string) (*models.FileInfo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	st, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("registering file: %w", err)
	}
	if st.IsDir() {
		return nil, fmt.Errorf("registering file: %s is a directory", abs)
	}

	head, err := readHead(abs, detectWindow)
	if err != nil {
		return nil, fmt.Errorf("registering file: %w", err)
	}

	id := uuid.New().String()
	info := &models.FileInfo{
		ID:         id,
		Name:       filepath.Base(abs),
		Size:       st.Size(),
		Type:       parser.DetectFileType(head).Model(),
		UploadedAt: time.Now(),
		Status:     "registered",
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[id] = info
	s.external[id] = abs

	return info, nil
}

// Get retrieves file metadata by ID.
func (s *LocalStore) Get(id string) (*models.FileInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.files[id]
	if !ok {
		return nil, notFound(id)
	}

	return info, nil
}

// List returns the most recent files.
func (s *LocalStore) List(limit int) ([]*models.FileInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]*models.FileInfo, 0, len(s.files))
	for _, info := range s.files {
		list = append(list, info)
	}

	// Sort by UploadedAt desc
	sort.Slice(list, func(i, j int) bool {
		return list[i].UploadedAt.After(list[j].UploadedAt)
	})

	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}

	return list, nil
}

// Delete removes a file from storage. Registered files are forgotten but
// left on disk.
func (s *LocalStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.files[id]; !ok {
		return notFound(id)
	}

	if _, ext := s.external[id]; ext {
		delete(s.external, id)
	} else {
		path := filepath.Join(s.uploadDir, id)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("deleting file: %w", err)
		}
	}

	delete(s.files, id)
	return nil
}

// Rename updates the display name of a file.
func (s *LocalStore) Rename(id string, newName string) (*models.FileInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.files[id]
	if !ok {
		return nil, notFound(id)
	}

	info.Name = newName
	return info, nil
}

// GetFilePath returns the absolute path to a file.
func (s *LocalStore) GetFilePath(id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.files[id]; !ok {
		return "", notFound(id)
	}
	if path, ok := s.external[id]; ok {
		return path, nil
	}

	return filepath.Join(s.uploadDir, id), nil
}

// ReadHead returns up to n leading bytes of a stored file.
func (s *LocalStore) ReadHead(id string, n int) ([]byte, error) {
	path, err := s.GetFilePath(id)
	if err != nil {
		return nil, err
	}
	return readHead(path, n)
}

// ReadAll returns the full contents of a stored file.
func (s *LocalStore) ReadAll(id string) ([]byte, error) {
	path, err := s.GetFilePath(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// SaveChunk saves a single chunk to a temporary location.
func (s *LocalStore) SaveChunk(uploadID string, chunkIndex int, r io.Reader) error {
	chunkDir := filepath.Join(s.uploadDir, "chunks", uploadID)
	if err := os.MkdirAll(chunkDir, 0755); err != nil {
		return fmt.Errorf("creating chunk directory: %w", err)
	}

	path := filepath.Join(chunkDir, fmt.Sprintf("chunk_%d", chunkIndex))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating chunk file: %w", err)
	}
	defer f.Close()

	_, err = io.Copy(f, r)
	if err != nil {
		return fmt.Errorf("writing chunk: %w", err)
	}

	return nil
}

// CompleteChunkedUpload assembles all chunks into a final file.
func (s *LocalStore) CompleteChunkedUpload(uploadID string, name string, totalChunks int) (*models.FileInfo, error) {
	chunkDir := filepath.Join(s.uploadDir, "chunks", uploadID)

	readers := make([]io.Reader, 0, totalChunks)
	for i := 0; i < totalChunks; i++ {
		in, err := os.Open(filepath.Join(chunkDir, fmt.Sprintf("chunk_%d", i)))
		if err != nil {
			closeAll(readers)
			return nil, fmt.Errorf("opening chunk %d: %w", i, err)
		}
		readers = append(readers, in)
	}

	info, err := s.Save(name, io.MultiReader(readers...))
	closeAll(readers)
	if err != nil {
		return nil, err
	}

	// Cleanup chunks
	os.RemoveAll(chunkDir)

	return info, nil
}

func closeAll(readers []io.Reader) {
	for _, r := range readers {
		if c, ok := r.(io.Closer); ok {
			c.Close()
		}
	}
}

func readHead(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return buf[:read], nil
}

// prefixBuffer keeps the first limit bytes written to it and discards the rest.
type prefixBuffer struct {
	buf   []byte
	limit int
}

func (p *prefixBuffer) Write(b []byte) (int, error) {
	if room := p.limit - len(p.buf); room > 0 {
		if len(b) < room {
			room = len(b)
		}
		p.buf = append(p.buf, b[:room]...)
	}
	return len(b), nil
}

func (p *prefixBuffer) Bytes() []byte {
	return p.buf
}
