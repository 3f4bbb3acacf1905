package entity

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/event-catalog-crawler/internal/event"
)

type fakeExtractor struct {
	mu    sync.Mutex
	names map[PromptKind][]string
	err   error
	calls []PromptKind
	texts []string
}

func (f *fakeExtractor) Extract(_ context.Context, kind PromptKind, text string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, kind)
	f.texts = append(f.texts, text)
	if f.err != nil {
		return nil, f.err
	}
	return f.names[kind], nil
}

func TestCanonicalize(t *testing.T) {
	require.Equal(t, "imagine dragons", Canonicalize("Imagine Dragons"))
	require.Equal(t, "imagine dragons", Canonicalize("  imagine   dragons "))
	require.Equal(t, "ляпис 98", Canonicalize("ЛЯПИС\t98"))
	require.Empty(t, Canonicalize(" \n "))
}

func TestSetKeepsInsertionOrder(t *testing.T) {
	s := NewSet("Imagine Dragons", "OneRepublic", "imagine dragons ", "", "  ")
	s.Add("Coldplay", "ONEREPUBLIC")
	require.Equal(t, []string{"imagine dragons", "onerepublic", "coldplay"}, s.Names())
	require.Equal(t, 3, s.Len())
}

func TestResolvePriority(t *testing.T) {
	ext := &fakeExtractor{names: map[PromptKind][]string{
		PromptCompetitors: {"Динамо Минск", "СКА"},
		PromptPerformers:  {"Юрий Башмет"},
	}}
	r := NewResolver(Config{}, ext, nil, zap.NewNop())
	ctx := context.Background()

	tagged := event.EnrichedRecord{
		RawStub:       event.RawStub{Title: "Концерт"},
		Description:   "Солист Юрий Башмет",
		PerformerTags: []string{"Imagine Dragons", "imagine dragons "},
	}
	require.Equal(t, []string{"imagine dragons"}, r.Resolve(ctx, tagged, "Хоккей"))
	require.Empty(t, ext.calls, "tags win without extraction")

	match := event.EnrichedRecord{RawStub: event.RawStub{Title: "Динамо Минск - СКА"}, Description: "ignored"}
	require.Equal(t, []string{"динамо минск", "ска"}, r.Resolve(ctx, match, "Хоккей"))
	require.Equal(t, []PromptKind{PromptCompetitors}, ext.calls)
	require.Equal(t, "Динамо Минск - СКА", ext.texts[0])

	concert := event.EnrichedRecord{RawStub: event.RawStub{Title: "Вечер альта"}, Description: "Солист Юрий Башмет"}
	require.Equal(t, []string{"юрий башмет"}, r.Resolve(ctx, concert, "Концерт"))
	require.Equal(t, PromptPerformers, ext.calls[1])

	bare := event.EnrichedRecord{RawStub: event.RawStub{Title: "  Щелкунчик "}}
	require.Equal(t, []string{"щелкунчик"}, r.Resolve(ctx, bare, "Театр"))
	require.Len(t, ext.calls, 2)
}

func TestResolveFallsBackToTitleOnExtractionFailure(t *testing.T) {
	ext := &fakeExtractor{err: errors.New("quota exceeded")}
	r := NewResolver(Config{}, ext, nil, zap.NewNop())
	rec := event.EnrichedRecord{RawStub: event.RawStub{Title: "Вечер альта"}, Description: "Солист Юрий Башмет"}
	require.Equal(t, []string{"вечер альта"}, r.Resolve(context.Background(), rec, "Концерт"))

	empty := &fakeExtractor{names: map[PromptKind][]string{}}
	r = NewResolver(Config{}, empty, nil, zap.NewNop())
	require.Equal(t, []string{"вечер альта"}, r.Resolve(context.Background(), rec, "Концерт"))
}

func TestResolveWithoutExtractorUsesLexicon(t *testing.T) {
	lex := NewLexicon("Ляпис 98", "Би-2", "Макс Корж")
	r := NewResolver(Config{}, nil, lex, zap.NewNop())
	rec := event.EnrichedRecord{RawStub: event.RawStub{Title: "Ляпис 98 и Би-2. Большой концерт"}}
	require.Equal(t, []string{"ляпис 98", "би-2"}, r.Resolve(context.Background(), rec, "Концерт"))
}

func TestIsCompetition(t *testing.T) {
	r := NewResolver(Config{}, nil, nil, nil)
	require.True(t, r.IsCompetition("Спорт"))
	require.True(t, r.IsCompetition("Хоккей: КХЛ"))
	require.False(t, r.IsCompetition("Концерт"))
	require.False(t, r.IsCompetition(""))

	custom := NewResolver(Config{CompetitionCategories: []string{"esports"}}, nil, nil, nil)
	require.True(t, custom.IsCompetition("ESports cup"))
	require.False(t, custom.IsCompetition("Спорт"))
}

func TestSplitNames(t *testing.T) {
	require.Equal(t, []string{"Динамо Минск", "СКА"}, SplitNames("Динамо Минск, СКА\n"))
	require.Equal(t, []string{"Иван Иванов", "Пётр Петров"}, SplitNames("* Иван Иванов;\n- Пётр Петров."))
	require.Nil(t, SplitNames("НИЧЕГО"))
	require.Nil(t, SplitNames(""))
}

func TestPrompt(t *testing.T) {
	p, err := Prompt(PromptPerformers, "Солист Юрий Башмет")
	require.NoError(t, err)
	require.Contains(t, p, "Текст: Солист Юрий Башмет")

	p, err = Prompt(PromptCompetitors, "Динамо - СКА")
	require.NoError(t, err)
	require.Contains(t, p, "Название: Динамо - СКА")

	_, err = Prompt("other", "x")
	require.Error(t, err)
}

func TestLexicon(t *testing.T) {
	lex, err := ReadLexicon(strings.NewReader("# performers\nМакс Корж\n\nAC/DC\nMax\n"))
	require.NoError(t, err)
	require.Equal(t, 3, lex.Len())
	require.Equal(t, []string{"макс корж"}, lex.Match("МАКС КОРЖ. Тур 2025"))
	require.Equal(t, []string{"ac/dc"}, lex.Match("Tribute to AC/DC"))
	require.Empty(t, lex.Match("Maxim Fadeev"), "partial words do not match")

	var nilLex *Lexicon
	require.Nil(t, nilLex.Match("anything"))

	path := filepath.Join(t.TempDir(), "lexicon.txt")
	require.NoError(t, os.WriteFile(path, []byte("Би-2\n"), 0o600))
	lex, err = LoadLexicon(path)
	require.NoError(t, err)
	require.Equal(t, 1, lex.Len())
}

func TestGeminiExtractor(t *testing.T) {
	var gotPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1beta/models/gemini-test:generateContent", r.URL.Path)
		require.Equal(t, "secret", r.URL.Query().Get("key"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req generateRequest
		require.NoError(t, json.Unmarshal(body, &req))
		gotPrompt = req.Contents[0].Parts[0].Text
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"Юрий Башмет, "},{"text":"Солисты Москвы"}]}}]}`))
	}))
	defer srv.Close()

	g, err := NewGeminiExtractor(GeminiConfig{BaseURL: srv.URL + "/v1beta", APIKey: "secret", Model: "gemini-test"}, zap.NewNop())
	require.NoError(t, err)
	names, err := g.Extract(context.Background(), PromptPerformers, "Солист Юрий Башмет")
	require.NoError(t, err)
	require.Equal(t, []string{"Юрий Башмет", "Солисты Москвы"}, names)
	require.Contains(t, gotPrompt, "Солист Юрий Башмет")
}

func TestGeminiExtractorError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}`))
	}))
	defer srv.Close()

	g, err := NewGeminiExtractor(GeminiConfig{BaseURL: srv.URL, APIKey: "k"}, zap.NewNop())
	require.NoError(t, err)
	_, err = g.Extract(context.Background(), PromptCompetitors, "A - B")
	require.ErrorContains(t, err, "status 429: quota")

	_, err = NewGeminiExtractor(GeminiConfig{}, nil)
	require.Error(t, err)
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestCachedExtractor(t *testing.T) {
	mr, client := newRedis(t)
	inner := &fakeExtractor{names: map[PromptKind][]string{PromptPerformers: {"Юрий Башмет"}}}
	c := NewCachedExtractor(inner, client, "test", time.Hour, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		names, err := c.Extract(ctx, PromptPerformers, "Солист Юрий Башмет")
		require.NoError(t, err)
		require.Equal(t, []string{"Юрий Башмет"}, names)
	}
	require.Len(t, inner.calls, 1)

	// same text, different prompt kind
	names, err := c.Extract(ctx, PromptCompetitors, "Солист Юрий Башмет")
	require.NoError(t, err)
	require.Empty(t, names)
	require.Len(t, inner.calls, 2)
	_, err = c.Extract(ctx, PromptCompetitors, "Солист Юрий Башмет")
	require.NoError(t, err)
	require.Len(t, inner.calls, 2, "empty answers are cached too")

	keys := mr.Keys()
	require.Len(t, keys, 2)
	for _, k := range keys {
		require.True(t, strings.HasPrefix(k, "test:"))
		require.Greater(t, mr.TTL(k), time.Duration(0))
	}
}

func TestCachedExtractorDoesNotCacheErrors(t *testing.T) {
	mr, client := newRedis(t)
	inner := &fakeExtractor{err: errors.New("down")}
	c := NewCachedExtractor(inner, client, "", 0, nil)

	_, err := c.Extract(context.Background(), PromptPerformers, "text")
	require.Error(t, err)
	require.Empty(t, mr.Keys())
}

func TestCachedExtractorFallsThroughWhenRedisIsDown(t *testing.T) {
	mr, client := newRedis(t)
	mr.Close()
	inner := &fakeExtractor{names: map[PromptKind][]string{PromptPerformers: {"A"}}}
	c := NewCachedExtractor(inner, client, "", 0, nil)

	names, err := c.Extract(context.Background(), PromptPerformers, "text")
	require.NoError(t, err)
	require.Equal(t, []string{"A"}, names)
}
