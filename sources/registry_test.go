package sources

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"shiori/apperr"
	"shiori/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockSource implements Source with overridable behaviour
type mockSource struct {
	id   int
	name string

	listPopularFunc func(ctx context.Context, cursor string) (models.MangasPage, error)
}

func (m *mockSource) ID() int              { return m.id }
func (m *mockSource) Name() string         { return m.name }
func (m *mockSource) BaseURL() string      { return "http://" + m.name }
func (m *mockSource) Headers() http.Header { return nil }

func (m *mockSource) ListPopular(ctx context.Context, cursor string) (models.MangasPage, error) {
	if m.listPopularFunc != nil {
		return m.listPopularFunc(ctx, cursor)
	}
	return models.MangasPage{}, nil
}

func (m *mockSource) Search(ctx context.Context, query, cursor string) (models.MangasPage, error) {
	return m.ListPopular(ctx, cursor)
}

func (m *mockSource) FetchDetails(ctx context.Context, manga models.Manga) (models.Manga, error) {
	return manga, nil
}

func (m *mockSource) FetchChapterList(ctx context.Context, manga models.Manga) ([]models.Chapter, error) {
	return nil, nil
}

func (m *mockSource) FetchPageList(ctx context.Context, chapter models.Chapter) ([]models.Page, error) {
	return nil, nil
}

func (m *mockSource) ResolvePageImage(ctx context.Context, page models.Page) (models.Page, error) {
	return page, nil
}

func TestRegistryConstructsOnce(t *testing.T) {
	var builds int32
	reg, err := NewRegistry(Deps{}, Entry{ID: 10, Factory: func(Deps) Source {
		atomic.AddInt32(&builds, 1)
		return &mockSource{id: 10, name: "ten"}
	}})
	require.NoError(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&builds), "construction is lazy")

	var wg sync.WaitGroup
	results := make([]Source, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			src, err := reg.Get(10)
			assert.NoError(t, err)
			results[i] = src
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&builds))
	for _, src := range results {
		assert.Same(t, results[0], src)
	}
}

func TestRegistryUnknownSource(t *testing.T) {
	reg, err := NewRegistry(Deps{})
	require.NoError(t, err)

	_, err = reg.Get(42)
	var unknown *apperr.UnknownSourceError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, 42, unknown.ID)
}

func TestRegistryListAllSortedByName(t *testing.T) {
	reg, err := NewRegistry(Deps{},
		Entry{ID: 1, Factory: func(Deps) Source { return &mockSource{id: 1, name: "zeta"} }},
		Entry{ID: 2, Factory: func(Deps) Source { return &mockSource{id: 2, name: "alpha"} }},
		Entry{ID: 3, Factory: func(Deps) Source { return &mockSource{id: 3, name: "mid"} }},
	)
	require.NoError(t, err)

	var names []string
	for _, src := range reg.ListAll() {
		names = append(names, src.Name())
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, names)
}

func TestRegistryRejectsDuplicateIDs(t *testing.T) {
	factory := func(Deps) Source { return &mockSource{id: 1, name: "x"} }
	_, err := NewRegistry(Deps{}, Entry{ID: 1, Factory: factory}, Entry{ID: 1, Factory: factory})
	assert.Error(t, err)
}

func TestBuiltinSources(t *testing.T) {
	reg, err := NewRegistry(Deps{}, Builtin()...)
	require.NoError(t, err)

	all := reg.ListAll()
	require.Len(t, all, 3)
	for _, src := range all {
		got, err := reg.Get(src.ID())
		require.NoError(t, err)
		assert.Equal(t, src.Name(), got.Name())
	}
}
