package reembed

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/poiesic/casevault/core"
	"github.com/poiesic/casevault/storage/badger"
	"github.com/stretchr/testify/require"
)

func newTestRepos(t *testing.T) *badger.Repositories {
	t.Helper()
	repos, backend, err := badger.NewMemoryRepositories()
	require.NoError(t, err)
	t.Cleanup(func() {
		repos.Close()
		backend.Close()
	})
	return repos
}

func seedOpinions(t *testing.T, repos *badger.Repositories, n int) []*core.Opinion {
	t.Helper()
	out := make([]*core.Opinion, n)
	for i := 0; i < n; i++ {
		stored, _, err := repos.Opinions.Upsert(context.Background(), &core.Opinion{
			Source:       "test",
			SourceID:     fmt.Sprintf("op-%03d", i),
			CaseName:     fmt.Sprintf("State v. Doe %d", i),
			Court:        "texapp",
			CaseCategory: []string{core.CaseCategoryDWI, core.CaseCategoryParkingTicket}[i%2],
			DateFiled:    time.Date(2000+i%20, 1, 1+i%28, 0, 0, 0, 0, time.UTC),
			Text:         fmt.Sprintf("Opinion %d text about the appeal.", i),
		})
		require.NoError(t, err)
		out[i] = stored
	}
	return out
}

// fakeEmbedder records calls and stores a status per call.
type fakeEmbedder struct {
	repos *badger.Repositories
	mu    sync.Mutex
	calls map[core.ID]int
	state func(id core.ID) (core.EmbeddingState, error)
}

func newFakeEmbedder(repos *badger.Repositories) *fakeEmbedder {
	return &fakeEmbedder{repos: repos, calls: make(map[core.ID]int)}
}

func (f *fakeEmbedder) Embed(ctx context.Context, id core.ID, model string) (*core.EmbeddingStatus, error) {
	f.mu.Lock()
	f.calls[id]++
	f.mu.Unlock()

	state := core.EmbeddingComplete
	if f.state != nil {
		var err error
		if state, err = f.state(id); err != nil {
			return nil, err
		}
	}
	opinion, err := f.repos.Opinions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	status := &core.EmbeddingStatus{
		OpinionID:   id,
		Model:       model,
		State:       state,
		Fingerprint: core.Fingerprint(opinion.Text),
	}
	return status, f.repos.Statuses.SaveStatus(ctx, status)
}

func (f *fakeEmbedder) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}
