package archive

import (
	"path/filepath"
	"reflect"
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "archive.db"), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWriteAndGet(t *testing.T) {
	s := testStore(t)

	chunk := &Chunk{
		ConversationID: "c1",
		FromSeq:        0,
		ToSeq:          9,
		TopicTags:      []string{"kubernetes", "networking"},
		TokenCount:     420,
		Content:        "user: how does pod networking work\nassistant: CNI plugins...",
	}
	if err := s.Write(chunk); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if chunk.ID == "" {
		t.Fatal("Write should assign an ID")
	}

	got, err := s.Get(chunk.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.FromSeq != 0 || got.ToSeq != 9 || got.TokenCount != 420 {
		t.Errorf("got %+v, want seq range 0-9 and 420 tokens", got)
	}
	if !reflect.DeepEqual(got.TopicTags, chunk.TopicTags) {
		t.Errorf("tags = %v, want %v", got.TopicTags, chunk.TopicTags)
	}
}

func TestWrite_IsWriteOnce(t *testing.T) {
	s := testStore(t)

	chunk := &Chunk{ID: "fixed-id", ConversationID: "c1", Content: "original"}
	if err := s.Write(chunk); err != nil {
		t.Fatalf("first write: %v", err)
	}

	dup := &Chunk{ID: "fixed-id", ConversationID: "c1", Content: "overwrite attempt"}
	if err := s.Write(dup); err != nil {
		t.Fatalf("duplicate write should be ignored, got %v", err)
	}

	got, _ := s.Get("fixed-id")
	if got.Content != "original" {
		t.Errorf("content = %q, want original preserved", got.Content)
	}
}

func TestSearch_RoundTripByTopic(t *testing.T) {
	s := testStore(t)

	chunk := &Chunk{
		ConversationID: "c1",
		TopicTags:      []string{"deployment", "rollback"},
		Content:        "discussion about the deployment rollback procedure",
	}
	if err := s.Write(chunk); err != nil {
		t.Fatalf("Write: %v", err)
	}

	hits, err := s.Search("rollback", "c1", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("hits = %d, want 1", len(hits))
	}
	if hits[0].ID != chunk.ID {
		t.Errorf("hit = %s, want %s", hits[0].ID, chunk.ID)
	}
}

func TestSearch_ScopedToConversation(t *testing.T) {
	s := testStore(t)

	s.Write(&Chunk{ConversationID: "c1", Content: "topic alpha in conversation one"})
	s.Write(&Chunk{ConversationID: "c2", Content: "topic alpha in conversation two"})

	hits, err := s.Search("alpha", "c1", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("hits = %d, want 1 (scoped)", len(hits))
	}
	if hits[0].ConversationID != "c1" {
		t.Errorf("hit conversation = %s, want c1", hits[0].ConversationID)
	}
}

func TestSearch_Idempotent(t *testing.T) {
	s := testStore(t)

	s.Write(&Chunk{ConversationID: "c1", Content: "migrating the billing database schema"})
	s.Write(&Chunk{ConversationID: "c1", Content: "database connection pool tuning notes"})

	first, err := s.Search("database", "c1", 10)
	if err != nil {
		t.Fatalf("first search: %v", err)
	}
	second, err := s.Search("database", "c1", 10)
	if err != nil {
		t.Fatalf("second search: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("result counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Errorf("rank %d differs: %s vs %s", i, first[i].ID, second[i].ID)
		}
	}
}

func TestSearch_EmptyQueryRejected(t *testing.T) {
	s := testStore(t)
	if _, err := s.Search("  ", "", 10); err == nil {
		t.Error("expected error for blank query")
	}
}

func TestChunkCount(t *testing.T) {
	s := testStore(t)

	s.Write(&Chunk{ConversationID: "c1", Content: "a"})
	s.Write(&Chunk{ConversationID: "c1", Content: "b"})
	s.Write(&Chunk{ConversationID: "c2", Content: "c"})

	n, err := s.ChunkCount("c1")
	if err != nil {
		t.Fatalf("ChunkCount: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestExtractTopics(t *testing.T) {
	text := "the deployment failed because the deployment manifest referenced " +
		"a missing secret and the secret was never created"

	topics := ExtractTopics(text, 3)
	if len(topics) != 3 {
		t.Fatalf("topics = %v, want 3 entries", topics)
	}
	if topics[0] != "deployment" && topics[0] != "secret" {
		t.Errorf("top topic = %q, want a repeated content word", topics[0])
	}

	// Deterministic across calls.
	again := ExtractTopics(text, 3)
	if !reflect.DeepEqual(topics, again) {
		t.Errorf("extraction not deterministic: %v vs %v", topics, again)
	}
}

func TestExtractTopics_FiltersStopwords(t *testing.T) {
	topics := ExtractTopics("the and with that this from", 5)
	if len(topics) != 0 {
		t.Errorf("topics = %v, want none for pure stopwords", topics)
	}
}
