package mongo

import (
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"mediastream/internal/domain"
)

// ---------------------------------------------------------------------------
// fromDoc mapping
// ---------------------------------------------------------------------------

func TestFromDoc(t *testing.T) {
	doc := objectDoc{
		ID:        "obj-1",
		Name:      "movie.mkv",
		Size:      1 << 30,
		MimeType:  "video/x-matroska",
		ChatID:    "-1001234",
		MessageID: 42,
		FileID:    "BAACAgIAAxkBAAI",
		IsFolder:  false,
		UpdatedAt: 1740000000,
	}

	got := fromDoc(doc)

	if got.ID != "obj-1" {
		t.Errorf("ID: got %q, want %q", got.ID, "obj-1")
	}
	if got.Name != doc.Name {
		t.Errorf("Name: got %q, want %q", got.Name, doc.Name)
	}
	if got.Size != doc.Size {
		t.Errorf("Size: got %d, want %d", got.Size, doc.Size)
	}
	if got.MimeType != doc.MimeType {
		t.Errorf("MimeType: got %q, want %q", got.MimeType, doc.MimeType)
	}
	if got.Container.ChatID != doc.ChatID {
		t.Errorf("ChatID: got %q, want %q", got.Container.ChatID, doc.ChatID)
	}
	if got.Locator.MessageID != doc.MessageID {
		t.Errorf("MessageID: got %d, want %d", got.Locator.MessageID, doc.MessageID)
	}
	if got.Locator.FileID != doc.FileID {
		t.Errorf("FileID: got %q, want %q", got.Locator.FileID, doc.FileID)
	}
	if got.IsFolder {
		t.Errorf("IsFolder: got true, want false")
	}
}

func TestObjectDocIDMappedTo_id(t *testing.T) {
	raw, err := bson.Marshal(objectDoc{ID: "myid", Name: "n"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m bson.M
	if err := bson.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["_id"] != "myid" {
		t.Errorf("expected _id=myid, got %v", m["_id"])
	}
}

func TestObjectDocBSONRoundtrip(t *testing.T) {
	doc := objectDoc{
		ID:        "bson-test",
		Name:      "clip.mp4",
		Size:      123456789,
		MimeType:  "video/mp4",
		ChatID:    "-100555",
		MessageID: 7,
		FileID:    "file-handle",
		IsFolder:  true,
		UpdatedAt: 1708329600,
	}
	raw, err := bson.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded objectDoc
	if err := bson.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded != doc {
		t.Errorf("roundtrip mismatch:\n got %+v\nwant %+v", decoded, doc)
	}
}

// ---------------------------------------------------------------------------
// progress mapping
// ---------------------------------------------------------------------------

func TestProgressKey(t *testing.T) {
	got := progressKey("alice", domain.ObjectID("obj-9"))
	if got != "alice:obj-9" {
		t.Errorf("progressKey: got %q, want %q", got, "alice:obj-9")
	}
}

func TestFromProgressDoc(t *testing.T) {
	doc := progressDoc{
		ID:        "alice:obj-9",
		Viewer:    "alice",
		ObjectID:  "obj-9",
		Position:  125.5,
		Duration:  7200,
		UpdatedAt: 1740000000,
	}
	got := fromProgressDoc(doc)
	if got.Viewer != "alice" || got.ObjectID != "obj-9" {
		t.Errorf("identity: got %q/%q", got.Viewer, got.ObjectID)
	}
	if got.Position != 125.5 {
		t.Errorf("Position: got %f, want 125.5", got.Position)
	}
	if got.Duration != 7200 {
		t.Errorf("Duration: got %f, want 7200", got.Duration)
	}
	want := time.Unix(1740000000, 0).UTC()
	if !got.UpdatedAt.Equal(want) {
		t.Errorf("UpdatedAt: got %v, want %v", got.UpdatedAt, want)
	}
	if got.UpdatedAt.Location() != time.UTC {
		t.Errorf("expected UTC, got %v", got.UpdatedAt.Location())
	}
}

// ---------------------------------------------------------------------------
// EnsureIndexes nil safety
// ---------------------------------------------------------------------------

func TestEnsureIndexesNilRepository(t *testing.T) {
	var r *Repository
	if err := r.EnsureIndexes(nil); err != nil {
		t.Errorf("expected nil error for nil repository, got %v", err)
	}
}

func TestEnsureIndexesNilCollection(t *testing.T) {
	r := &Repository{collection: nil}
	if err := r.EnsureIndexes(nil); err != nil {
		t.Errorf("expected nil error for nil collection, got %v", err)
	}
}
