package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

type recordSender struct {
	name string
	err  error
	sent []string
}

func (r *recordSender) Name() string { return r.name }

func (r *recordSender) Send(_ context.Context, title, _ string) error {
	r.sent = append(r.sent, title)
	return r.err
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifierFilter(t *testing.T) {
	s := &recordSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{domain.EventHedgeFailed, " "}, quiet())
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, domain.EventHedgeBalanced, "balanced", ""))
	require.NoError(t, n.Notify(ctx, domain.EventHedgeFailed, "failed", ""))
	require.NoError(t, n.NotifyAll(ctx, "manual", ""))
	assert.Equal(t, []string{"failed", "manual"}, s.sent)

	all := &recordSender{name: "all"}
	require.NoError(t, NewNotifier([]Sender{all}, nil, quiet()).Notify(ctx, "anything", "x", ""))
	assert.Len(t, all.sent, 1)
}

func TestNotifierContinuesPastFailure(t *testing.T) {
	bad := &recordSender{name: "bad", err: errors.New("down")}
	good := &recordSender{name: "good"}
	err := NewNotifier([]Sender{bad, good}, nil, quiet()).NotifyAll(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: down")
	assert.Len(t, good.sent, 1)
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s := newTelegramSender(srv.URL, "TOKEN", "42")
	require.NoError(t, s.Send(context.Background(), "Hedge failed", "ETH"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*Hedge failed*\nETH", got["text"])
}

func TestDiscordSender(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if strings.HasPrefix(body["content"], "**fail**") {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewDiscordSender(srv.URL)
	require.NoError(t, s.Send(context.Background(), "ok", "m"))
	assert.Error(t, s.Send(context.Background(), "fail", "m"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	out := truncate(strings.Repeat("é", 10), 9)
	assert.LessOrEqual(t, len(out), 9)
	assert.True(t, strings.HasSuffix(out, "…"))
}
