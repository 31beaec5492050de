package knowledge

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/edgard/groupkb/internal/database"
	"github.com/edgard/groupkb/internal/gemini"
)

// fakeAI is a deterministic gemini.Client for pipeline tests.
type fakeAI struct {
	mu sync.Mutex

	candidates     []gemini.TopicCandidate
	extractErr     error
	extractCalls   int
	lastTranscript string

	queryVec []float32
	embedErr error
}

func (f *fakeAI) ExtractTopics(_ context.Context, transcript string) ([]gemini.TopicCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extractCalls++
	f.lastTranscript = transcript
	if f.extractErr != nil {
		return nil, f.extractErr
	}
	return f.candidates, nil
}

func (f *fakeAI) Embed(_ context.Context, _ string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	return f.queryVec, nil
}

func (f *fakeAI) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	vecs := make([][]float32, len(texts))
	for i := range texts {
		vecs[i] = f.queryVec
	}
	return vecs, nil
}

func (f *fakeAI) GenerateAnswer(context.Context, string, []string, bool) (string, error) {
	return "answer", nil
}

func (f *fakeAI) GenerateSummary(context.Context, string) (string, error) {
	return "summary", nil
}

func (f *fakeAI) calls() (int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.extractCalls, f.lastTranscript
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) (*sqlx.DB, database.Store) {
	t.Helper()

	db, err := database.NewDB(":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.CloseDB(db) })

	return db, database.NewStore(db, discardLogger())
}
