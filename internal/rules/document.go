package rules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	gojson "github.com/goccy/go-json"
)

// Group is one named rule group. Entries stay raw until compiled because each
// dimension accepts a different entry shape.
type Group struct {
	Name    string
	Entries []json.RawMessage
}

// GroupList keeps rule groups in the order the document lists them.
type GroupList []Group

// UnmarshalJSON decodes a {"group": [entries...]} object preserving key order.
func (g *GroupList) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*g = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errors.New("rule groups must be a JSON object")
	}
	var out GroupList
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected group key %v", tok)
		}
		var entries []json.RawMessage
		if err := dec.Decode(&entries); err != nil {
			return fmt.Errorf("group %q: %w", name, err)
		}
		out = append(out, Group{Name: name, Entries: entries})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*g = out
	return nil
}

// MarshalJSON writes the groups back as an object in their original order.
func (g GroupList) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, grp := range g {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := gojson.Marshal(grp.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		entries := grp.Entries
		if entries == nil {
			entries = []json.RawMessage{}
		}
		val, err := gojson.Marshal(entries)
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Count returns the number of entries across all groups.
func (g GroupList) Count() int {
	n := 0
	for _, grp := range g {
		n += len(grp.Entries)
	}
	return n
}

// ScriptSource is one script rule. Scripts listed as a plain array are named
// by their position.
type ScriptSource struct {
	Name   string
	Source string
}

// ScriptList accepts either ["expr", ...] or {"name": "expr", ...}; the
// object form keeps document order.
type ScriptList []ScriptSource

func (s *ScriptList) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*s = nil
		return nil
	}
	if trimmed[0] == '[' {
		var sources []string
		if err := json.Unmarshal(trimmed, &sources); err != nil {
			return err
		}
		out := make(ScriptList, 0, len(sources))
		for i, src := range sources {
			out = append(out, ScriptSource{Name: fmt.Sprintf("script-%d", i), Source: src})
		}
		*s = out
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	if _, err := dec.Token(); err != nil {
		return err
	}
	var out ScriptList
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, _ := tok.(string)
		var src string
		if err := dec.Decode(&src); err != nil {
			return fmt.Errorf("script %q: %w", name, err)
		}
		out = append(out, ScriptSource{Name: name, Source: src})
	}
	*s = out
	return nil
}

func (s ScriptList) MarshalJSON() ([]byte, error) {
	sources := make([]string, 0, len(s))
	for _, src := range s {
		sources = append(sources, src.Source)
	}
	return gojson.Marshal(sources)
}

// Document is the ruleset as distributed by the rule authority and stored in
// the local cache. Version is opaque and only ever echoed back.
type Document struct {
	Version    string     `json:"version"`
	IP         GroupList  `json:"ip"`
	PeerID     GroupList  `json:"peer_id"`
	ClientName GroupList  `json:"client_name"`
	Port       GroupList  `json:"port"`
	Script     ScriptList `json:"script"`
}

// ParseDocument decodes a ruleset body. An empty body or a JSON value that is
// not an object is rejected.
func ParseDocument(body []byte) (*Document, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errors.New("empty ruleset document")
	}
	if trimmed[0] != '{' {
		return nil, errors.New("ruleset document must be a JSON object")
	}
	var doc Document
	if err := gojson.Unmarshal(trimmed, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}
