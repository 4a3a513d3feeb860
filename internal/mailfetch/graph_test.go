package mailfetch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ostrenko/mailpool/internal/msauth"
)

// graphFixture serves a fake token endpoint and a fake Graph API from one
// mux.
func graphFixture(t *testing.T, handler http.HandlerFunc) *GraphFetcher {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "at-1"})
	})
	mux.HandleFunc("/", handler)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	tokens := msauth.NewClient(msauth.Config{
		GraphTokenURL: srv.URL + "/token",
		IMAPTokenURL:  srv.URL + "/token",
		BackoffBase:   time.Millisecond,
	})
	return NewGraphFetcher(tokens, srv.URL, 5*time.Second)
}

func TestGraphListMapsFields(t *testing.T) {
	f := graphFixture(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/me/mailFolders/junkemail/messages", r.URL.Path)
		assert.Equal(t, "Bearer at-1", r.Header.Get("Authorization"))
		assert.Equal(t, "10", r.URL.Query().Get("$top"))
		assert.Equal(t, "5", r.URL.Query().Get("$skip"))
		assert.Equal(t, "receivedDateTime desc", r.URL.Query().Get("$orderby"))

		json.NewEncoder(w).Encode(map[string]any{
			"value": []map[string]any{{
				"id":               "msg-1",
				"subject":          "Welcome",
				"from":             map[string]any{"emailAddress": map[string]any{"address": "sender@example.com"}},
				"receivedDateTime": "2026-08-20T10:00:00Z",
				"isRead":           true,
				"hasAttachments":   false,
				"bodyPreview":      "hello there",
			}},
		})
	})

	list, err := f.List(context.Background(), testCreds(), Query{Folder: "junkemail", Skip: 5, Top: 10})
	require.NoError(t, err)
	require.Len(t, list.Messages, 1)
	assert.Equal(t, "msg-1", list.Messages[0].ID)
	assert.Equal(t, "sender@example.com", list.Messages[0].From)
	assert.True(t, list.Messages[0].IsRead)
	assert.False(t, list.HasMore, "a short page means no more results")
}

func TestGraphListTrashAlias(t *testing.T) {
	f := graphFixture(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/me/mailFolders/deleteditems/messages", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"value": []any{}})
	})

	_, err := f.List(context.Background(), testCreds(), Query{Folder: "trash", Top: 20})
	require.NoError(t, err)
}

func TestGraphListFullPageHasMore(t *testing.T) {
	f := graphFixture(t, func(w http.ResponseWriter, r *http.Request) {
		value := make([]map[string]any, 2)
		for i := range value {
			value[i] = map[string]any{"id": "m", "subject": "s"}
		}
		json.NewEncoder(w).Encode(map[string]any{"value": value})
	})

	list, err := f.List(context.Background(), testCreds(), Query{Folder: "inbox", Top: 2})
	require.NoError(t, err)
	assert.True(t, list.HasMore)
}

func TestGraphListErrorSurfacesCode(t *testing.T) {
	f := graphFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": "ErrorAccessDenied", "message": "Access is denied"},
		})
	})

	_, err := f.List(context.Background(), testCreds(), Query{Folder: "inbox", Top: 20})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ErrorAccessDenied")
	assert.Contains(t, err.Error(), "403")
}

func TestGraphDetailBodyType(t *testing.T) {
	f := graphFixture(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/me/messages/msg-9", r.URL.Path)
		assert.Equal(t, "outlook.body-content-type='html'", r.Header.Get("Prefer"))

		json.NewEncoder(w).Encode(map[string]any{
			"id":      "msg-9",
			"subject": "Invoice",
			"from":    map[string]any{"emailAddress": map[string]any{"address": "billing@example.com"}},
			"toRecipients": []map[string]any{
				{"emailAddress": map[string]any{"address": "a@example.com"}},
				{"emailAddress": map[string]any{"address": "b@example.com"}},
			},
			"body": map[string]any{"contentType": "html", "content": "<p>due</p>"},
		})
	})

	detail, err := f.Detail(context.Background(), testCreds(), "msg-9", "inbox")
	require.NoError(t, err)
	assert.Equal(t, "billing@example.com", detail.From)
	assert.Equal(t, "a@example.com, b@example.com", detail.To)
	assert.Equal(t, "<p>due</p>", detail.Body)
	assert.Equal(t, "html", detail.BodyType)
}
