package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/pt-crawler/internal/entity"
)

func TestSendBatch(t *testing.T) {
	var got struct {
		TaskID string            `json:"taskId"`
		Data   []json.RawMessage `json:"data"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/data/batch", r.URL.Path)
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	rec := entity.NewRecord()
	require.NoError(t, rec.Set("title", "Ubuntu"))
	err := New(srv.URL+"/", "s3cret", time.Second).SendBatch(context.Background(), "task-1", []entity.CrawlResult{
		{URL: "https://pt.example.org/details.php?id=1", Data: rec, TaskID: "task-1", Timestamp: time.Unix(0, 0).UTC()},
	})
	require.NoError(t, err)
	require.Equal(t, "task-1", got.TaskID)
	require.Len(t, got.Data, 1)
	require.JSONEq(t, `{"url":"https://pt.example.org/details.php?id=1","data":{"title":"Ubuntu"},"timestamp":"1970-01-01T00:00:00Z","taskId":"task-1"}`, string(got.Data[0]))
}

func TestSendBatchNon2xxIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := New(srv.URL, "", time.Second).SendBatch(context.Background(), "task-1", nil)
	require.ErrorIs(t, err, entity.ErrNetwork)
	require.ErrorContains(t, err, "503")
}

func TestTasks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v1/tasks":
			w.Write([]byte(`[{"taskId":"a"},{"taskId":"b"}]`))
		case "/api/v1/tasks/a":
			w.Write([]byte(`{"taskId":"a","startUrls":["https://pt.example.org/torrents.php"],"pageTimeout":"45s",
				"rules":[{"name":"title","selector":"h1","type":"text"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	c := New(srv.URL, "", time.Second)
	ctx := context.Background()

	ids, err := c.ListTasks(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ids)

	task, err := c.GetTask(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, []string{"https://pt.example.org/torrents.php"}, task.StartURLs)
	require.Equal(t, 45*time.Second, task.PageTimeout.Std())
	require.NoError(t, task.Validate())

	_, err = c.GetTask(ctx, "missing")
	require.ErrorIs(t, err, entity.ErrNotFound)
}

func TestSnippetKeepsRunesWhole(t *testing.T) {
	short := "  数据格式错误  "
	assert.Equal(t, "数据格式错误", snippet(short))

	long := strings.Repeat("错", 250)
	got := snippet(long)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("错", 200)+"...", got)

	exact := strings.Repeat("a", 200)
	assert.Equal(t, exact, snippet(exact))
}
