package session

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/playperu/tabletop/internal/engine"
	"github.com/playperu/tabletop/internal/fabric"
)

type frameKind int

const (
	frameInfo frameKind = iota
	frameJoin
	frameDecline
	frameMove
	frameChat
)

// inbound is a decoded client frame. An empty object, null, or anything
// unrecognised asks for the current info.
type inbound struct {
	kind  frameKind
	value json.RawMessage
}

func parseInbound(raw []byte) (inbound, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return inbound{}, err
	}
	for _, k := range []struct {
		key  string
		kind frameKind
	}{
		{"join", frameJoin},
		{"decline", frameDecline},
		{"move", frameMove},
		{"chat", frameChat},
	} {
		if v, ok := fields[k.key]; ok {
			return inbound{kind: k.kind, value: v}, nil
		}
	}
	return inbound{kind: frameInfo}, nil
}

// isNull reports whether v is JSON null.
func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// rawText returns v as a plain string: JSON strings are unquoted,
// anything else is passed through as compact JSON.
func rawText(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return string(v)
	}
	return buf.String()
}

// rawNumber returns v as an int, accepting numeric strings.
func rawNumber(v json.RawMessage) (int, bool) {
	if isNull(v) {
		return 0, false
	}
	var n int
	if err := json.Unmarshal(v, &n); err == nil {
		return n, true
	}
	n, err := strconv.Atoi(rawText(v))
	return n, err == nil
}

type ChatLogFrame struct {
	ChatLog []fabric.ChatEntry `json:"chat_log"`
}

type MatchFrame struct {
	Players           []string       `json:"players"`
	Accepted          []string       `json:"accepted"`
	ResourcesByPlayer map[string]int `json:"resources_by_player"`
	State             *engine.State  `json:"state"`
	Log               string         `json:"log"`
}

type ChatFrame struct {
	Chat fabric.ChatEntry `json:"chat"`
}

type TurnsFrame struct {
	Turns int `json:"turns"`
}
