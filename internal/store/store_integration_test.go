package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/forager-labs/forager/internal/agent"
	"github.com/forager-labs/forager/internal/memory"
)

// startPostgres brings up a throwaway pgvector-enabled postgres.
func startPostgres(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "forager",
			"POSTGRES_PASSWORD": "forager",
			"POSTGRES_DB":       "forager_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("starting postgres container: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://forager:forager@%s:%s/forager_test?sslmode=disable", host, port.Port())
	return container, dsn
}

func openWithRetry(ctx context.Context, t *testing.T, dsn string) *Postgres {
	t.Helper()
	var p *Postgres
	var err error
	for attempt := 0; attempt < 10; attempt++ {
		p, err = New(ctx, dsn, log.New(io.Discard, "", 0))
		if err == nil {
			return p
		}
		time.Sleep(time.Second)
	}
	t.Fatalf("connecting to postgres: %v", err)
	return nil
}

func vec1536(seed float32) []float32 {
	out := make([]float32, 1536)
	out[0] = seed
	out[1] = 1
	return out
}

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	ctx := context.Background()
	container, dsn := startPostgres(ctx, t)
	defer container.Terminate(ctx)

	p := openWithRetry(ctx, t, dsn)
	defer p.Close()
	if err := p.Migrate("../../migrations"); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	t.Run("chunk lifecycle", func(t *testing.T) {
		repo := NewChunkRepository(p)
		subject := "example.com#release"
		c1 := memory.Chunk{
			ID:          uuid.New().String(),
			SubjectKey:  subject,
			Topic:       "release",
			Content:     "v1 is the latest release",
			Embedding:   vec1536(0.1),
			SourceURI:   "https://example.com/releases",
			ContentHash: memory.HashContent("v1 is the latest release"),
			CapturedAt:  time.Now().UTC(),
			TrustWeight: 0.6,
			Volatility:  "fast",
			Version:     1,
			CreatedAt:   time.Now().UTC(),
		}
		if err := repo.InsertChunk(ctx, c1); err != nil {
			t.Fatalf("InsertChunk: %v", err)
		}

		got, ok, err := repo.ActiveBySubject(ctx, subject)
		if err != nil || !ok {
			t.Fatalf("ActiveBySubject: %v %v", ok, err)
		}
		if got.ID != c1.ID || got.Version != 1 {
			t.Fatalf("active = %+v", got)
		}

		if _, ok, _ := repo.ActiveBySourceHash(ctx, c1.SourceURI, c1.ContentHash); !ok {
			t.Fatal("ActiveBySourceHash missed live capture")
		}

		c2 := c1
		c2.ID = uuid.New().String()
		c2.Content = "v2 is the latest release"
		c2.ContentHash = memory.HashContent(c2.Content)
		c2.Embedding = vec1536(0.2)
		c2.Version = 2
		if err := repo.InsertChunk(ctx, c2); err != nil {
			t.Fatalf("InsertChunk v2: %v", err)
		}
		swapped, err := repo.SwapActive(ctx, subject, c1.ID, 1, c2.ID)
		if err != nil || !swapped {
			t.Fatalf("SwapActive: %v %v", swapped, err)
		}
		// stale version loses the CAS
		if swapped, _ := repo.SwapActive(ctx, subject, c1.ID, 1, c2.ID); swapped {
			t.Fatal("stale swap should fail")
		}

		got, ok, err = repo.ActiveBySubject(ctx, subject)
		if err != nil || !ok || got.ID != c2.ID {
			t.Fatalf("active after swap = %+v (%v %v)", got, ok, err)
		}

		hits, err := repo.VectorSearch(ctx, vec1536(0.2), 5)
		if err != nil {
			t.Fatalf("VectorSearch: %v", err)
		}
		if len(hits) != 1 || hits[0].Chunk.ID != c2.ID {
			t.Fatalf("vector hits = %+v", hits)
		}

		kw, err := repo.KeywordSearch(ctx, "latest release", 5)
		if err != nil {
			t.Fatalf("KeywordSearch: %v", err)
		}
		if len(kw) != 1 || kw[0].Chunk.ID != c2.ID {
			t.Fatalf("keyword hits = %+v", kw)
		}

		stale, err := repo.StaleSubjects(ctx, map[string]time.Time{"fast": time.Now().Add(time.Hour)}, time.Time{}, 10)
		if err != nil {
			t.Fatalf("StaleSubjects: %v", err)
		}
		if len(stale) != 1 || stale[0].SubjectKey != subject {
			t.Fatalf("stale = %+v", stale)
		}
	})

	t.Run("escalated challenger promotion", func(t *testing.T) {
		repo := NewChunkRepository(p)
		subject := "example.com#maintainer"
		now := time.Now().UTC()
		active := memory.Chunk{
			ID:          uuid.New().String(),
			SubjectKey:  subject,
			Topic:       "maintainer",
			Content:     "alice maintains the project",
			Embedding:   vec1536(0.3),
			SourceURI:   "https://example.com/team",
			ContentHash: memory.HashContent("alice maintains the project"),
			CapturedAt:  now,
			TrustWeight: 0.6,
			Volatility:  "slow",
			Version:     1,
			CreatedAt:   now,
		}
		if err := repo.InsertChunk(ctx, active); err != nil {
			t.Fatalf("InsertChunk active: %v", err)
		}
		// challenger parked behind the active row, as an escalated
		// conflict leaves it until a human decides
		challenger := active
		challenger.ID = uuid.New().String()
		challenger.Content = "bob maintains the project"
		challenger.ContentHash = memory.HashContent(challenger.Content)
		challenger.Embedding = vec1536(0.4)
		challenger.SupersededBy = active.ID
		challenger.Version = 2
		if err := repo.InsertChunk(ctx, challenger); err != nil {
			t.Fatalf("InsertChunk challenger: %v", err)
		}

		got, ok, err := repo.ActiveBySubject(ctx, subject)
		if err != nil || !ok || got.ID != active.ID {
			t.Fatalf("active before decision = %+v (%v %v)", got, ok, err)
		}

		swapped, err := repo.SwapActive(ctx, subject, active.ID, 1, challenger.ID)
		if err != nil || !swapped {
			t.Fatalf("SwapActive: %v %v", swapped, err)
		}
		got, ok, err = repo.ActiveBySubject(ctx, subject)
		if err != nil || !ok {
			t.Fatalf("ActiveBySubject after decision: %v %v", ok, err)
		}
		if got.ID != challenger.ID || got.SupersededBy != "" {
			t.Fatalf("promoted chunk = %+v", got)
		}
	})

	t.Run("conflict records", func(t *testing.T) {
		repo := NewChunkRepository(p)
		rec := memory.ConflictRecord{
			ID:         uuid.New().String(),
			SubjectKey: "example.com#pricing",
			ChunkIDs:   []string{uuid.New().String(), uuid.New().String()},
			Resolution: memory.ResolutionEscalated,
			CreatedAt:  time.Now().UTC(),
		}
		if err := repo.InsertConflict(ctx, rec); err != nil {
			t.Fatalf("InsertConflict: %v", err)
		}
		open, err := repo.ListConflicts(ctx, true)
		if err != nil || len(open) != 1 {
			t.Fatalf("ListConflicts: %v %+v", err, open)
		}
		if err := repo.ResolveConflict(ctx, rec.ID, memory.ResolutionTrustWeighted); err != nil {
			t.Fatalf("ResolveConflict: %v", err)
		}
		open, err = repo.ListConflicts(ctx, true)
		if err != nil || len(open) != 0 {
			t.Fatalf("conflict still open: %v %+v", err, open)
		}
	})

	t.Run("run state roundtrip", func(t *testing.T) {
		runs := NewRunStore(p)
		st := agent.NewState("track alpha releases", 25)
		st.Record("run_started", st.Goal)
		st.SpentCost = 3.5
		if err := runs.Save(ctx, st); err != nil {
			t.Fatalf("Save: %v", err)
		}
		st.Status = agent.StatusAwaitingHuman
		if err := runs.Save(ctx, st); err != nil {
			t.Fatalf("Save update: %v", err)
		}
		loaded, err := runs.Load(ctx, st.RunID)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if loaded.Status != agent.StatusAwaitingHuman || loaded.SpentCost != 3.5 || len(loaded.History) != 1 {
			t.Fatalf("loaded = %+v", loaded)
		}
	})

	t.Run("users", func(t *testing.T) {
		users := NewUserStore(p)
		if _, err := users.Create(ctx, "op@example.com", "hash"); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if _, err := users.Create(ctx, "op@example.com", "hash"); !errors.Is(err, ErrUserExists) {
			t.Fatalf("duplicate create: %v", err)
		}
		u, err := users.ByEmail(ctx, "op@example.com")
		if err != nil || u.Email != "op@example.com" {
			t.Fatalf("ByEmail: %v %+v", err, u)
		}
	})
}
