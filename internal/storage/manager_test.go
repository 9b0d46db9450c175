// manager_test.go - Tests for storage layer
package storage

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/motec-viewer/backend/internal/models"
)

func createTestStore(t *testing.T) *LocalStore {
	t.Helper()
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return store
}

// ldBytes returns a buffer the detector classifies as an LD log.
func ldBytes() []byte {
	return make([]byte, 600)
}

const ldxText = `<?xml version="1.0"?><Workspace Name="Test"/>`

func TestNewLocalStore(t *testing.T) {
	t.Run("creates upload directory", func(t *testing.T) {
		uploadDir := filepath.Join(t.TempDir(), "uploads")

		if _, err := NewLocalStore(uploadDir); err != nil {
			t.Fatalf("Failed to create store: %v", err)
		}

		if _, err := os.Stat(uploadDir); os.IsNotExist(err) {
			t.Error("Expected upload directory to be created")
		}
	})
}

func TestLocalStore_Save(t *testing.T) {
	t.Run("saves LD file from reader", func(t *testing.T) {
		store := createTestStore(t)

		info, err := store.Save("run.ld", bytes.NewReader(ldBytes()))
		if err != nil {
			t.Fatalf("Failed to save file: %v", err)
		}

		if info.ID == "" {
			t.Error("Expected ID to be set")
		}
		if info.Name != "run.ld" {
			t.Errorf("Expected name 'run.ld', got %v", info.Name)
		}
		if info.Size != 600 {
			t.Errorf("Expected size 600, got %v", info.Size)
		}
		if info.Type != models.FileTypeLD {
			t.Errorf("Expected type ld, got %v", info.Type)
		}
		if info.Status != "uploaded" {
			t.Errorf("Expected status 'uploaded', got %v", info.Status)
		}

		path, _ := store.GetFilePath(info.ID)
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("Failed to read saved file: %v", err)
		}
		if len(data) != 600 {
			t.Errorf("Expected 600 bytes on disk, got %d", len(data))
		}
	})

	t.Run("detects workspace and unknown content", func(t *testing.T) {
		store := createTestStore(t)

		ws, err := store.SaveBytes("setup.ldx", []byte(ldxText))
		if err != nil {
			t.Fatalf("Failed to save file: %v", err)
		}
		if ws.Type != models.FileTypeLDX {
			t.Errorf("Expected type ldx, got %v", ws.Type)
		}

		other, err := store.SaveBytes("notes.txt", []byte("hello"))
		if err != nil {
			t.Fatalf("Failed to save file: %v", err)
		}
		if other.Type != models.FileTypeUnknown {
			t.Errorf("Expected type unknown, got %v", other.Type)
		}
	})

	t.Run("propagates reader errors", func(t *testing.T) {
		store := createTestStore(t)

		_, err := store.Save("broken.ld", &failingReader{})
		if err == nil {
			t.Fatal("Expected error from failing reader")
		}

		list, _ := store.List(0)
		if len(list) != 0 {
			t.Errorf("Expected no files after failed save, got %d", len(list))
		}
	})
}

func TestLocalStore_GetAndList(t *testing.T) {
	store := createTestStore(t)

	first, _ := store.SaveBytes("first.ld", ldBytes())
	time.Sleep(5 * time.Millisecond)
	second, _ := store.SaveBytes("second.ldx", []byte(ldxText))

	got, err := store.Get(first.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Name != "first.ld" {
		t.Errorf("Expected 'first.ld', got %v", got.Name)
	}

	list, err := store.List(0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("Expected 2 files, got %d", len(list))
	}
	if list[0].ID != second.ID {
		t.Error("Expected most recent file first")
	}

	limited, _ := store.List(1)
	if len(limited) != 1 {
		t.Errorf("Expected 1 file with limit, got %d", len(limited))
	}

	_, err = store.Get("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err != nil && err.Error() != "file not found: missing" {
		t.Errorf("Unexpected error message: %v", err)
	}
}

func TestLocalStore_Delete(t *testing.T) {
	store := createTestStore(t)
	info, _ := store.SaveBytes("run.ld", ldBytes())
	path, _ := store.GetFilePath(info.ID)

	if err := store.Delete(info.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Expected file to be removed from disk")
	}
	if _, err := store.Get(info.ID); err == nil {
		t.Error("Expected Get to fail after delete")
	}
	if err := store.Delete(info.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second delete, got %v", err)
	}
}

func TestLocalStore_Rename(t *testing.T) {
	store := createTestStore(t)
	info, _ := store.SaveBytes("run.ld", ldBytes())

	renamed, err := store.Rename(info.ID, "qualifying.ld")
	if err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if renamed.Name != "qualifying.ld" {
		t.Errorf("Expected new name, got %v", renamed.Name)
	}

	if _, err := store.Rename("missing", "x"); err == nil {
		t.Error("Expected error renaming unknown file")
	}
}

func TestLocalStore_ReadHeadAndAll(t *testing.T) {
	store := createTestStore(t)
	info, _ := store.SaveBytes("setup.ldx", []byte(ldxText))

	head, err := store.ReadHead(info.ID, 5)
	if err != nil {
		t.Fatalf("ReadHead failed: %v", err)
	}
	if string(head) != "<?xml" {
		t.Errorf("Expected '<?xml', got %q", head)
	}

	head, err = store.ReadHead(info.ID, 4096)
	if err != nil {
		t.Fatalf("ReadHead failed: %v", err)
	}
	if len(head) != len(ldxText) {
		t.Errorf("Expected short file to be returned whole, got %d bytes", len(head))
	}

	all, err := store.ReadAll(info.ID)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(all) != ldxText {
		t.Errorf("Unexpected contents %q", all)
	}

	if _, err := store.ReadHead("missing", 10); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestLocalStore_ChunkedUpload(t *testing.T) {
	store := createTestStore(t)
	data := ldBytes()
	data[0] = 7

	chunks := [][]byte{data[:200], data[200:400], data[400:]}
	for i, c := range chunks {
		if err := store.SaveChunk("upload-1", i, bytes.NewReader(c)); err != nil {
			t.Fatalf("SaveChunk %d failed: %v", i, err)
		}
	}

	info, err := store.CompleteChunkedUpload("upload-1", "chunked.ld", len(chunks))
	if err != nil {
		t.Fatalf("CompleteChunkedUpload failed: %v", err)
	}
	if info.Size != int64(len(data)) {
		t.Errorf("Expected size %d, got %d", len(data), info.Size)
	}
	if info.Type != models.FileTypeLD {
		t.Errorf("Expected type ld, got %v", info.Type)
	}

	all, _ := store.ReadAll(info.ID)
	if !bytes.Equal(all, data) {
		t.Error("Assembled file does not match uploaded chunks")
	}

	if _, err := os.Stat(filepath.Join(store.uploadDir, "chunks", "upload-1")); !os.IsNotExist(err) {
		t.Error("Expected chunk directory to be removed")
	}

	t.Run("missing chunk", func(t *testing.T) {
		if err := store.SaveChunk("upload-2", 0, strings.NewReader("abc")); err != nil {
			t.Fatalf("SaveChunk failed: %v", err)
		}
		_, err := store.CompleteChunkedUpload("upload-2", "partial.ld", 2)
		if err == nil || !strings.Contains(err.Error(), "opening chunk 1") {
			t.Errorf("Expected missing chunk error, got %v", err)
		}
	})
}

func TestLocalStore_RegisterFile(t *testing.T) {
	store := createTestStore(t)
	external := filepath.Join(t.TempDir(), "car_7", "race.ld")
	if err := os.MkdirAll(filepath.Dir(external), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(external, ldBytes(), 0644); err != nil {
		t.Fatal(err)
	}

	info, err := store.RegisterFile(external)
	if err != nil {
		t.Fatalf("RegisterFile failed: %v", err)
	}
	if info.Name != "race.ld" || info.Type != models.FileTypeLD || info.Size != 600 {
		t.Errorf("Unexpected info %+v", info)
	}
	if info.Status != "registered" {
		t.Errorf("Expected status 'registered', got %v", info.Status)
	}

	path, _ := store.GetFilePath(info.ID)
	if path != external {
		t.Errorf("Expected path %s, got %s", external, path)
	}

	if err := store.Delete(info.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := os.Stat(external); err != nil {
		t.Error("Registered file must stay on disk after delete")
	}

	if _, err := store.RegisterFile(filepath.Dir(external)); err == nil {
		t.Error("Expected error registering a directory")
	}
	if _, err := store.RegisterFile(filepath.Join(t.TempDir(), "nope.ld")); err == nil {
		t.Error("Expected error registering a missing file")
	}
}

func TestLocalStore_ConcurrentAccess(t *testing.T) {
	store := createTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			info, err := store.SaveBytes("run.ld", ldBytes())
			if err != nil {
				t.Errorf("Save failed: %v", err)
				return
			}
			store.Get(info.ID)
			store.List(5)
		}()
	}
	wg.Wait()

	list, _ := store.List(0)
	if len(list) != 20 {
		t.Errorf("Expected 20 files, got %d", len(list))
	}
}

type failingReader struct{}

func (failingReader) Read(p []byte) (int, error) {
	return 0, io.ErrUnexpectedEOF
}

func TestLocalStore_MaxFileSize(t *testing.T) {
	store := createTestStore(t)
	store.SetMaxFileSize(600)

	t.Run("accepts file at the limit", func(t *testing.T) {
		info, err := store.Save("run.ld", bytes.NewReader(ldBytes()))
		if err != nil {
			t.Fatalf("Failed to save file: %v", err)
		}
		if info.Size != 600 {
			t.Errorf("Expected size 600, got %d", info.Size)
		}
	})

	t.Run("rejects larger file", func(t *testing.T) {
		before, _ := os.ReadDir(store.uploadDir)

		_, err := store.SaveBytes("big.ld", make([]byte, 601))
		if !errors.Is(err, ErrFileTooLarge) {
			t.Fatalf("Expected ErrFileTooLarge, got %v", err)
		}

		after, _ := os.ReadDir(store.uploadDir)
		if len(after) != len(before) {
			t.Errorf("Expected rejected file to be removed, dir went from %d to %d entries", len(before), len(after))
		}
	})

	t.Run("bounds chunked uploads", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			if err := store.SaveChunk("upload-big", i, bytes.NewReader(make([]byte, 400))); err != nil {
				t.Fatalf("SaveChunk %d failed: %v", i, err)
			}
		}
		if _, err := store.CompleteChunkedUpload("upload-big", "big.ld", 2); !errors.Is(err, ErrFileTooLarge) {
			t.Errorf("Expected ErrFileTooLarge, got %v", err)
		}
	})
}
