package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"coach-relay/internal/domain"
	"coach-relay/internal/sse"
)

type chatOptions struct {
	url            string
	coachName      string
	conversationID string
	coachID        string
}

func newChatCmd() *cobra.Command {
	opts := chatOptions{}
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send one chat turn to a running relay and print the reply as it streams",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, opts, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", "http://localhost:8080/chat", "relay chat endpoint")
	cmd.Flags().StringVar(&opts.coachName, "coach", "Coach", "coach name for the system prompt")
	cmd.Flags().StringVar(&opts.conversationID, "conversation", "", "conversation id; the reply is saved when set with --coach-id")
	cmd.Flags().StringVar(&opts.coachID, "coach-id", "", "sender id for the saved reply")
	return cmd
}

func runChat(cmd *cobra.Command, opts chatOptions, message string) error {
	payload, err := json.Marshal(map[string]any{
		"messages":       []domain.ChatMessage{{Role: "user", Content: message, ContentType: domain.ContentText}},
		"coachName":      opts.coachName,
		"conversationId": opts.conversationID,
		"coachId":        opts.coachID,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, opts.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("chat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
		return fmt.Errorf("chat: relay returned %d %s: %s", resp.StatusCode, body.Code, body.Error)
	}

	if err := printDeltas(resp.Body, cmd.OutOrStdout()); err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout())
	return err
}

// printDeltas writes each text delta to w as soon as its line is complete.
func printDeltas(r io.Reader, w io.Writer) error {
	dec := sse.NewDecoder()
	buf := make([]byte, 4096)
	for !dec.Done() {
		n, err := r.Read(buf)
		if n > 0 {
			if werr := writeFrames(w, dec.Feed(buf[:n])); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return writeFrames(w, dec.Finish())
		}
		if err != nil {
			return fmt.Errorf("chat: read stream: %w", err)
		}
	}
	return nil
}

func writeFrames(w io.Writer, frames []sse.Frame) error {
	for _, f := range frames {
		if f.Kind != sse.FrameDelta {
			continue
		}
		if _, err := io.WriteString(w, f.Delta); err != nil {
			return err
		}
	}
	return nil
}
