// ABOUTME: Stand-in for the claude CLI that speaks the stream-json protocol on stdin/stdout.
// ABOUTME: Usage: set engine.binary to fake-claude to run switchboard end to end without an API key.
package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/google/uuid"
)

type block struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type inbound struct {
	Type    string `json:"type"`
	Message struct {
		Content []block `json:"content"`
	} `json:"message"`
	Response struct {
		Subtype   string `json:"subtype"`
		RequestID string `json:"request_id"`
		Response  struct {
			Behavior     string          `json:"behavior"`
			UpdatedInput json.RawMessage `json:"updatedInput"`
			Message      string          `json:"message"`
		} `json:"response"`
	} `json:"response"`
}

const askPrompt = "Which approach should I take?"

func main() {
	sessionID := uuid.New().String()
	for i, arg := range os.Args {
		if arg == "--resume" && i+1 < len(os.Args) {
			sessionID = os.Args[i+1]
		}
	}

	if err := run(os.Stdin, os.Stdout, sessionID); err != nil {
		log.Fatal(err)
	}
}

type speaker struct {
	in        *bufio.Scanner
	enc       *json.Encoder
	sessionID string
	turns     int
}

// run serves user turns from r until it closes.
func run(r io.Reader, w io.Writer, sessionID string) error {
	in := bufio.NewScanner(r)
	in.Buffer(make([]byte, 64*1024), 16<<20)
	s := &speaker{in: in, enc: json.NewEncoder(w), sessionID: sessionID}

	if err := s.emit(map[string]any{"type": "system", "subtype": "init", "session_id": sessionID}); err != nil {
		return err
	}

	for {
		msg, err := s.next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if msg.Type != "user" {
			continue
		}
		if err := s.turn(textOf(msg.Message.Content)); err != nil {
			return err
		}
	}
}

func (s *speaker) next() (inbound, error) {
	for s.in.Scan() {
		line := strings.TrimSpace(s.in.Text())
		if line == "" {
			continue
		}
		var msg inbound
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			log.Printf("skipping unparseable line: %v", err)
			continue
		}
		return msg, nil
	}
	if err := s.in.Err(); err != nil {
		return inbound{}, err
	}
	return inbound{}, io.EOF
}

func (s *speaker) emit(v any) error {
	return s.enc.Encode(v)
}

func (s *speaker) say(text string) error {
	return s.emit(map[string]any{
		"type":       "assistant",
		"session_id": s.sessionID,
		"message":    map[string]any{"content": []block{{Type: "text", Text: text}}},
	})
}

func (s *speaker) turn(text string) error {
	s.turns++
	log.Printf("turn %d: %s", s.turns, text)

	reply := echoReply(text)
	if strings.Contains(strings.ToLower(text), "ask") {
		answer, err := s.ask()
		if err != nil {
			return err
		}
		reply = "You chose: " + answer
	}

	if err := s.say(reply); err != nil {
		return err
	}
	return s.emit(map[string]any{
		"type":           "result",
		"subtype":        "success",
		"session_id":     s.sessionID,
		"result":         reply,
		"total_cost_usd": 0.001 * float64(s.turns),
		"num_turns":      s.turns,
	})
}

// ask requests permission for the human-input tool and returns the answer
// the host merged into the tool input.
func (s *speaker) ask() (string, error) {
	requestID := uuid.New().String()
	input := map[string]any{
		"questions": []map[string]any{{
			"question": askPrompt,
			"header":   "Approach",
			"options": []map[string]any{
				{"label": "Simple", "description": "fewer moving parts"},
				{"label": "Fast", "description": "more caching"},
			},
		}},
	}
	raw, _ := json.Marshal(input)
	if err := s.emit(map[string]any{
		"type": "assistant", "session_id": s.sessionID,
		"message": map[string]any{"content": []block{{Type: "tool_use", ID: requestID, Name: "AskUserQuestion", Input: raw}}},
	}); err != nil {
		return "", err
	}
	if err := s.emit(map[string]any{
		"type":       "control_request",
		"request_id": requestID,
		"request":    map[string]any{"subtype": "can_use_tool", "tool_name": "AskUserQuestion", "input": input},
	}); err != nil {
		return "", err
	}

	for {
		msg, err := s.next()
		if err != nil {
			return "", fmt.Errorf("waiting for permission: %w", err)
		}
		if msg.Type != "control_response" || msg.Response.RequestID != requestID {
			continue
		}
		if msg.Response.Subtype != "success" || msg.Response.Response.Behavior != "allow" {
			return "(denied: " + msg.Response.Response.Message + ")", nil
		}
		var updated struct {
			Answers map[string]string `json:"answers"`
		}
		if err := json.Unmarshal(msg.Response.Response.UpdatedInput, &updated); err != nil {
			return "", fmt.Errorf("decoding answers: %w", err)
		}
		return updated.Answers[askPrompt], nil
	}
}

func textOf(blocks []block) string {
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n"
	}
	return fmt.Sprintf("Echo: **%s**", input)
}
