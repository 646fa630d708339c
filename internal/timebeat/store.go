// Package timebeat manages the timebeat daemon configuration document.
//
// The document is kept as a yaml.Node tree so that comments, key order and
// settings this package does not understand survive a load/save cycle.
package timebeat

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/ternarybob/arbor"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/ternarybob/timebeat-ssh/internal/fileutil"
)

// ErrNotLoaded is returned when no document has been loaded yet.
var ErrNotLoaded = errors.New("configuration not loaded")

// ErrEmptyDocument is returned when the configuration file has no content.
var ErrEmptyDocument = errors.New("configuration file is empty")

// NotLoadedMessage is shown to operators when no document is available.
const NotLoadedMessage = "Configuration not loaded"

// ClockClass selects one of the two clock sequences.
type ClockClass string

const (
	Primary   ClockClass = "primary"
	Secondary ClockClass = "secondary"
)

// ParseClockClass maps operator input to a ClockClass. Empty input means primary.
func ParseClockClass(s string) (ClockClass, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(Primary):
		return Primary, true
	case string(Secondary):
		return Secondary, true
	}
	return "", false
}

func (c ClockClass) key() string {
	return string(c) + "_clocks"
}

// ClockEntry is one configured clock source.
type ClockEntry struct {
	Protocol string `json:"protocol"`
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// Store owns the in-memory document and its backing file. A single mutex
// serializes load, mutation and save so concurrent toggles cannot lose updates.
type Store struct {
	mu     sync.Mutex
	path   string
	doc    *yaml.Node
	logger arbor.ILogger
}

// NewStore creates a store for the file at path. Nothing is read until Load.
func NewStore(path string, logger arbor.ILogger) *Store {
	return &Store{
		path:   path,
		logger: logger,
	}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Loaded reports whether a document is available.
func (s *Store) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc != nil
}

// Load reads and parses the file. On failure any previously loaded document
// is kept. The lock is held from the read through the swap.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		s.logger.Error().Err(err).Str("path", s.path).Msg("Failed to load config")
		return fmt.Errorf("read timebeat config: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		s.logger.Error().Err(err).Str("path", s.path).Msg("Failed to load config")
		return fmt.Errorf("parse timebeat config: %w", err)
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		s.logger.Error().Str("path", s.path).Msg("Failed to load config: empty document")
		return ErrEmptyDocument
	}

	s.doc = &doc
	s.logger.Debug().Str("path", s.path).Msg("Timebeat configuration loaded")
	return nil
}

// Save writes the current document to the backing file.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	if s.doc == nil {
		return ErrNotLoaded
	}

	data, err := encode(s.doc)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to save config")
		return err
	}

	if err := fileutil.AtomicWrite(s.path, data, fileutil.Mode(s.path, 0644)); err != nil {
		s.logger.Error().Err(err).Str("path", s.path).Msg("Failed to save config")
		return fmt.Errorf("write timebeat config: %w", err)
	}
	return nil
}

// Render returns the document in its serialized YAML form.
func (s *Store) Render() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc == nil {
		return "", ErrNotLoaded
	}
	data, err := encode(s.doc)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Clocks returns the entries of one clock class.
func (s *Store) Clocks(class ClockClass) ([]ClockEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc == nil {
		return nil, ErrNotLoaded
	}
	return entries(s.doc, class), nil
}

// Snapshot returns both clock classes read from the same document.
func (s *Store) Snapshot() (primary, secondary []ClockEntry, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc == nil {
		return nil, nil, ErrNotLoaded
	}
	return entries(s.doc, Primary), entries(s.doc, Secondary), nil
}

func entries(doc *yaml.Node, class ClockClass) []ClockEntry {
	nodes := clockNodes(doc, class)
	out := make([]ClockEntry, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, entryFromNode(n))
	}
	return out
}

// ListProtocols renders both clock classes for display.
func (s *Store) ListProtocols() string {
	primary, secondary, err := s.Snapshot()
	if err != nil {
		return NotLoadedMessage
	}

	lines := []string{"=== PRIMARY CLOCKS ==="}
	lines = append(lines, formatEntries(primary)...)
	lines = append(lines, "\n=== SECONDARY CLOCKS ===")
	lines = append(lines, formatEntries(secondary)...)
	return strings.Join(lines, "\n")
}

func formatEntries(entries []ClockEntry) []string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		status := "ENABLED"
		if !e.Enabled {
			status = "DISABLED"
		}
		lines = append(lines, fmt.Sprintf("  %s: %s (%s)", upper(e.Protocol), status, e.Endpoint))
	}
	return lines
}

// ToggleProtocol flips the enabled flag of the first entry in class whose
// protocol matches (case-insensitively) and persists the document. Later
// entries with the same protocol are left alone.
func (s *Store) ToggleProtocol(protocol, class string) ToggleResult {
	result := ToggleResult{Protocol: protocol, Class: ClockClass(class)}

	cc, ok := ParseClockClass(class)
	if !ok {
		result.Outcome = OutcomeInvalidClass
		return result
	}
	result.Class = cc

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc == nil {
		result.Outcome = OutcomeNotLoaded
		return result
	}

	for _, n := range clockNodes(s.doc, cc) {
		if !strings.EqualFold(scalar(n, "protocol"), protocol) {
			continue
		}

		disabled := !boolValue(n, "disable")
		setBool(n, "disable", disabled)

		if err := s.saveLocked(); err != nil {
			result.Outcome = OutcomeSaveFailed
			result.Err = err
			return result
		}

		if disabled {
			result.Outcome = OutcomeDisabled
		} else {
			result.Outcome = OutcomeEnabled
		}
		s.logger.Info().
			Str("protocol", protocol).
			Str("class", string(cc)).
			Str("state", result.Outcome.String()).
			Msg("Protocol toggled")
		return result
	}

	result.Outcome = OutcomeNotFound
	return result
}

func encode(doc *yaml.Node) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode timebeat config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode timebeat config: %w", err)
	}
	return buf.Bytes(), nil
}

func upper(s string) string {
	return cases.Upper(language.Und).String(s)
}

// resolve follows document wrappers and aliases to the content node.
func resolve(n *yaml.Node) *yaml.Node {
	for n != nil {
		switch n.Kind {
		case yaml.DocumentNode:
			if len(n.Content) == 0 {
				return nil
			}
			n = n.Content[0]
		case yaml.AliasNode:
			n = n.Alias
		default:
			return n
		}
	}
	return nil
}

// lookup returns the value node for key in a mapping node.
func lookup(n *yaml.Node, key string) *yaml.Node {
	n = resolve(n)
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return resolve(n.Content[i+1])
		}
	}
	return nil
}

func clockNodes(doc *yaml.Node, class ClockClass) []*yaml.Node {
	seq := lookup(lookup(lookup(doc, "timebeat"), "clock_sync"), class.key())
	if seq == nil || seq.Kind != yaml.SequenceNode {
		return nil
	}
	nodes := make([]*yaml.Node, 0, len(seq.Content))
	for _, n := range seq.Content {
		if n = resolve(n); n != nil && n.Kind == yaml.MappingNode {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

func scalar(n *yaml.Node, key string) string {
	v := lookup(n, key)
	if v == nil || v.Kind != yaml.ScalarNode {
		return ""
	}
	return v.Value
}

func boolValue(n *yaml.Node, key string) bool {
	v := lookup(n, key)
	if v == nil || v.Kind != yaml.ScalarNode {
		return false
	}
	var b bool
	if err := v.Decode(&b); err != nil {
		return false
	}
	return b
}

func setBool(n *yaml.Node, key string, value bool) {
	if v := lookup(n, key); v != nil {
		v.Kind = yaml.ScalarNode
		v.Tag = "!!bool"
		v.Style = 0
		v.Value = strconv.FormatBool(value)
		v.Content = nil
		return
	}
	n.Content = append(n.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: strconv.FormatBool(value)},
	)
}

func entryFromNode(n *yaml.Node) ClockEntry {
	protocol := scalar(n, "protocol")
	if protocol == "" {
		protocol = "unknown"
	}

	endpoint := "N/A"
	for _, key := range []string{"interface", "ip", "device"} {
		if v := scalar(n, key); v != "" {
			endpoint = v
			break
		}
	}

	return ClockEntry{
		Protocol: protocol,
		Enabled:  !boolValue(n, "disable"),
		Endpoint: endpoint,
	}
}
