package bot

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/mymmrac/telego"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "1234567890:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

type apiCall struct {
	method string
	body   map[string]any
}

type fakeAPI struct {
	mu        sync.Mutex
	calls     []apiCall
	responses []string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)

	f.mu.Lock()
	i := len(f.calls)
	f.calls = append(f.calls, apiCall{method: r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:], body: body})
	response := f.responses[min(i, len(f.responses)-1)]
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, response)
}

func newTestSender(t *testing.T, responses ...string) (*Sender, *fakeAPI) {
	t.Helper()

	api := &fakeAPI{responses: responses}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	bot, err := telego.NewBot(testToken, telego.WithAPIServer(srv.URL), telego.WithDiscardLogger())
	require.NoError(t, err)
	return NewSender(bot), api
}

const pollSent = `{"ok": true, "result": {"message_id": 10, "date": 1700000000,
	"chat": {"id": -100, "type": "supergroup", "title": "coders"},
	"poll": {"id": "5001", "question": "Line 1: what comes next?", "options": [
		{"text": "a", "voter_count": 0}, {"text": "b", "voter_count": 0}],
		"total_voter_count": 0, "is_closed": false, "is_anonymous": false,
		"type": "regular", "allows_multiple_answers": false}}}`

const messageSent = `{"ok": true, "result": {"message_id": 11, "date": 1700000000,
	"chat": {"id": -100, "type": "supergroup", "title": "coders"}, "text": "hi"}}`

func TestSenderSendPoll(t *testing.T) {
	sender, api := newTestSender(t, pollSent)

	pollID, err := sender.SendPoll(context.Background(), -100, "Line 1: what comes next?", []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, "5001", pollID)

	require.Len(t, api.calls, 1)
	call := api.calls[0]
	assert.Equal(t, "sendPoll", call.method)
	assert.EqualValues(t, -100, call.body["chat_id"])
	assert.Equal(t, false, call.body["is_anonymous"])
	assert.Len(t, call.body["options"], 2)
}

func TestSenderSendPollWithoutPoll(t *testing.T) {
	sender, _ := newTestSender(t, messageSent)

	_, err := sender.SendPoll(context.Background(), -100, "q", []string{"a", "b"})
	assert.ErrorIs(t, err, ErrNoPollInResponse)
}

func TestSenderSendMessage(t *testing.T) {
	sender, api := newTestSender(t, messageSent)

	require.NoError(t, sender.SendMessage(context.Background(), -100, "Line 1: b"))

	require.Len(t, api.calls, 1)
	assert.Equal(t, "sendMessage", api.calls[0].method)
	assert.Equal(t, "Line 1: b", api.calls[0].body["text"])
	assert.NotContains(t, api.calls[0].body, "parse_mode")
}

func TestSenderSendMessageFailure(t *testing.T) {
	sender, api := newTestSender(t, `{"ok": false, "error_code": 400, "description": "Bad Request: chat not found"}`)

	err := sender.SendMessage(context.Background(), -100, "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
	assert.Len(t, api.calls, 1)
}
