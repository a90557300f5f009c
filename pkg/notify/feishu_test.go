// Copyright (c) OpenMMLab. All rights reserved.

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"oamix/pkg/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func webhook(t *testing.T, status int) (*httptest.Server, <-chan FeishuTextMessage) {
	t.Helper()
	got := make(chan FeishuTextMessage, 4)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg FeishuTextMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err == nil {
			got <- msg
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(ts.Close)
	return ts, got
}

func TestSendRunSummary(t *testing.T) {
	ts, got := webhook(t, http.StatusOK)
	summary := RunSummary{
		RunID:       "run-1",
		NodeRank:    1,
		Backend:     "native",
		ConfigFile:  "configs/oamix.py",
		Started:     time.Now(),
		Took:        90 * time.Second,
		ExitCode:    3,
		FailedRanks: []string{"rank5"},
		Err:         errors.New("exit status 3"),
	}

	require.NoError(t, SendRunSummary(context.Background(), ts.URL, summary))
	msg := <-got
	assert.Equal(t, "text", msg.MsgType)
	assert.Contains(t, msg.Content.Text, "Failed")
	assert.Contains(t, msg.Content.Text, "Node rank: 1")
	assert.Contains(t, msg.Content.Text, "Duration: 1m30s")
	assert.Contains(t, msg.Content.Text, "Failed: rank5")
}

func TestSendRunSummary_Errors(t *testing.T) {
	assert.NoError(t, SendRunSummary(context.Background(), "", RunSummary{}))

	ts, _ := webhook(t, http.StatusInternalServerError)
	assert.Error(t, SendRunSummary(context.Background(), ts.URL, RunSummary{}))
}

func TestSendEvents(t *testing.T) {
	ts, got := webhook(t, http.StatusOK)
	events := []storage.EventEntry{
		{Type: storage.TypeRankExit, Severity: storage.SeverityError, Message: "rank3 exited", Timestamp: time.Now().UnixMilli()},
	}

	require.NoError(t, SendEvents(context.Background(), ts.URL, "Events", "node-0", events))
	msg := <-got
	assert.Contains(t, msg.Content.Text, "【Events】")
	assert.Contains(t, msg.Content.Text, "Level: ERROR")
	assert.Contains(t, msg.Content.Text, "rank3 exited")

	assert.NoError(t, SendEvents(context.Background(), ts.URL, "Events", "node-0", nil))
	assert.Error(t, SendEvents(context.Background(), "", "Events", "node-0", events))
}
