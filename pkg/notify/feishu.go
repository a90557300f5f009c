// Copyright (c) OpenMMLab. All rights reserved.

// Package notify posts launch outcomes to a Feishu compatible text webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"oamix/logger"
	"oamix/pkg/storage"

	"go.uber.org/zap"
)

const sendTimeout = 10 * time.Second

type FeishuTextMessage struct {
	MsgType string `json:"msg_type"`
	Content struct {
		Text string `json:"text"`
	} `json:"content"`
}

// RunSummary is the outcome of one launch on one node.
type RunSummary struct {
	RunID       string
	NodeRank    int
	Backend     string
	ConfigFile  string
	Started     time.Time
	Took        time.Duration
	ExitCode    int
	FailedRanks []string
	Err         error
}

func (s RunSummary) Text() string {
	var b strings.Builder
	status := "Succeeded"
	if s.ExitCode != 0 {
		status = "Failed"
	}
	fmt.Fprintf(&b, "【oamix-run】%s\n", status)
	fmt.Fprintf(&b, "Run: %s\n", s.RunID)
	fmt.Fprintf(&b, "Node rank: %d\n", s.NodeRank)
	fmt.Fprintf(&b, "Backend: %s\n", s.Backend)
	fmt.Fprintf(&b, "Config: %s\n", s.ConfigFile)
	fmt.Fprintf(&b, "Started: %s\n", s.Started.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "Duration: %s\n", s.Took.Round(time.Second))
	b.WriteString("--------------------\n")
	fmt.Fprintf(&b, "Exit code: %d\n", s.ExitCode)
	if len(s.FailedRanks) > 0 {
		fmt.Fprintf(&b, "Failed: %s\n", strings.Join(s.FailedRanks, ", "))
	}
	if s.Err != nil {
		fmt.Fprintf(&b, "Error: %v\n", s.Err)
	}
	return b.String()
}

// SendRunSummary posts the summary. An empty webhook URL is a no-op.
func SendRunSummary(ctx context.Context, webhookURL string, summary RunSummary) error {
	if webhookURL == "" {
		return nil
	}
	return SendText(ctx, webhookURL, summary.Text())
}

// SendEvents posts the events of one node as a single message.
func SendEvents(ctx context.Context, webhookURL, prefix, node string, events []storage.EventEntry) error {
	if webhookURL == "" {
		return errors.New("feishu webhook address cannot be empty")
	}
	if len(events) == 0 {
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "【%s】\n", prefix)
	fmt.Fprintf(&b, "Node: %s\n", node)
	fmt.Fprintf(&b, "Processing time: %s\n", time.Now().Format("2006-01-02 15:04:05"))
	b.WriteString("--------------------\n")
	fmt.Fprintf(&b, "Status: Found %d events\n", len(events))
	for i, e := range events {
		fmt.Fprintf(&b, "%d. Time: %s\n   Type: %s\n   Level: %s\n   Message: %s\n",
			i+1,
			time.UnixMilli(e.Timestamp).Local().Format("2006-01-02 15:04:05.000"),
			e.Type,
			storage.SeverityName(e.Severity),
			e.Message,
		)
	}
	return SendText(ctx, webhookURL, b.String())
}

func SendText(ctx context.Context, webhookURL, text string) error {
	msg := FeishuTextMessage{MsgType: "text"}
	msg.Content.Text = text
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("message sending failed: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("feishu interface returned non-success status: %s", resp.Status)
	}

	logger.Logger.Debug("notification sent", zap.String("webhook", webhookURL))
	return nil
}
