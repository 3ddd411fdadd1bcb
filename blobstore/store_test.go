package blobstore

import (
	"bytes"
	"testing"
)

func TestCreateReadRoundTrip(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	data := []byte("hello dicom")
	id, err := store.Create(data, NoneCompressor{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Read(id, NoneCompressor{})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Read = %q, want %q", got, data)
	}
}

func TestCreateReadWithZlibCompressor(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	data := bytes.Repeat([]byte("A"), 4096)
	id, err := store.Create(data, ZlibCompressor{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Read(id, ZlibCompressor{})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("round trip mismatch: got %d bytes, want %d", len(got), len(data))
	}

	onDisk, err := store.Size(id)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if onDisk >= int64(len(data)) {
		t.Errorf("expected compressed size to be smaller than %d, got %d", len(data), onDisk)
	}
}

func TestCreateEmptyInputBypassesCompressor(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	id, err := store.Create(nil, ZlibCompressor{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	size, err := store.Size(id)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 0 {
		t.Errorf("expected empty blob to be zero bytes on disk, got %d", size)
	}

	got, err := store.Read(id, ZlibCompressor{})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty read, got %d bytes", len(got))
	}
}

func TestReadMissingBlob(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	id, _ := store.Create([]byte("x"), NoneCompressor{})
	if err := store.Remove(id); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if _, err := store.Read(id, NoneCompressor{}); err == nil {
		t.Error("expected error reading removed blob")
	}
}

func TestReadMalformedID(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := store.Read("not-a-uuid", NoneCompressor{}); err == nil {
		t.Error("expected error for malformed id")
	}
}

func TestList(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var want []string
	for i := 0; i < 5; i++ {
		id, createErr := store.Create([]byte{byte(i)}, NoneCompressor{})
		if createErr != nil {
			t.Fatalf("Create: %v", createErr)
		}
		want = append(want, id)
	}

	got, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("List returned %d ids, want %d", len(got), len(want))
	}

	seen := make(map[string]bool, len(got))
	for _, id := range got {
		seen[id] = true
	}
	for _, id := range want {
		if !seen[id] {
			t.Errorf("List missing id %s", id)
		}
	}
}

func TestRemoveCleansUpShardDirectories(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	id, err := store.Create([]byte("x"), NoneCompressor{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Remove(id); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	remaining, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("expected store to be empty after Remove, got %v", remaining)
	}
}

func TestCapacityAndAvailable(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	total, err := store.Capacity()
	if err != nil {
		t.Fatalf("Capacity: %v", err)
	}
	avail, err := store.Available()
	if err != nil {
		t.Fatalf("Available: %v", err)
	}
	if total == 0 {
		t.Error("expected non-zero filesystem capacity")
	}
	if avail > total {
		t.Errorf("available (%d) should not exceed capacity (%d)", avail, total)
	}
}
