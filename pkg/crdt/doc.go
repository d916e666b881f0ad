// Package crdt is the replicated text type shared by every process.
//
// A document is a set of characters, each with a globally unique id and a
// fractional position. Deletes are tombstones. An update is a (partial) set
// of characters, and merging is a union keyed by id where the tombstone flag
// is OR-ed, so Apply is commutative, associative and idempotent. A full state
// is itself a valid update. An id always names the same value and position;
// an update that disagrees with what a replica already holds is rejected.
package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ErrMalformedUpdate is returned when an update cannot be decoded or fails validation.
var ErrMalformedUpdate = errors.New("crdt: malformed update")

// Character represents a character in the CRDT with positioning info
type Character struct {
	ID       string  `json:"id"`
	Value    string  `json:"v"`
	Position float64 `json:"p"`
	Deleted  bool    `json:"d,omitempty"`
}

type update struct {
	Characters []Character `json:"chars"`
}

// Doc is a text CRDT replica. It is not safe for concurrent use; a Room owns
// exactly one Doc and touches it from its own goroutine only.
type Doc struct {
	replica string
	clock   uint64
	index   map[string]int
	chars   []Character
}

// New creates an empty replica. replica must be unique among everyone that
// produces local updates for the same document.
func New(replica string) *Doc {
	return &Doc{
		replica: replica,
		index:   make(map[string]int),
	}
}

// Load creates a replica from a serialized state.
func Load(replica string, state []byte) (*Doc, error) {
	d := New(replica)
	if len(state) == 0 {
		return d, nil
	}
	if _, err := d.Apply(state); err != nil {
		return nil, err
	}
	return d, nil
}

// Apply merges a remote update and reports whether the state changed.
func (d *Doc) Apply(data []byte) (bool, error) {
	chars, err := decode(data)
	if err != nil {
		return false, err
	}
	if err := d.check(chars); err != nil {
		return false, err
	}
	return d.merge(chars), nil
}

// check rejects an update that reuses a known id for a different character.
// Nothing is merged when it fails.
func (d *Doc) check(in []Character) error {
	seen := make(map[string]Character, len(in))
	for _, c := range in {
		prev, ok := seen[c.ID]
		if !ok {
			if i, known := d.index[c.ID]; known {
				prev, ok = d.chars[i], true
			}
		}
		if ok && (prev.Value != c.Value || prev.Position != c.Position) {
			return fmt.Errorf("%w: conflicting content for %s", ErrMalformedUpdate, c.ID)
		}
		seen[c.ID] = c
	}
	return nil
}

func decode(data []byte) ([]Character, error) {
	var u update
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	for _, c := range u.Characters {
		if c.ID == "" {
			return nil, fmt.Errorf("%w: character without id", ErrMalformedUpdate)
		}
		if math.IsNaN(c.Position) || math.IsInf(c.Position, 0) {
			return nil, fmt.Errorf("%w: invalid position for %s", ErrMalformedUpdate, c.ID)
		}
	}
	return u.Characters, nil
}

func (d *Doc) merge(in []Character) bool {
	changed := false
	added := false
	for _, c := range in {
		if i, ok := d.index[c.ID]; ok {
			if c.Deleted && !d.chars[i].Deleted {
				d.chars[i].Deleted = true
				changed = true
			}
			continue
		}
		d.index[c.ID] = len(d.chars)
		d.chars = append(d.chars, c)
		added = true
		changed = true
	}
	if added {
		d.sortCharacters()
	}
	return changed
}

// sortCharacters orders by position and breaks ties by id so that every
// replica holding the same set arrives at the same sequence.
func (d *Doc) sortCharacters() {
	sort.Slice(d.chars, func(i, j int) bool {
		if d.chars[i].Position != d.chars[j].Position {
			return d.chars[i].Position < d.chars[j].Position
		}
		return d.chars[i].ID < d.chars[j].ID
	})
	for i, c := range d.chars {
		d.index[c.ID] = i
	}
}

// Encode serializes the full state. Replicas holding the same set of
// characters encode to identical bytes.
func (d *Doc) Encode() []byte {
	chars := d.chars
	if chars == nil {
		chars = []Character{}
	}
	data, _ := json.Marshal(update{Characters: chars})
	return data
}

// Text returns the current visible content.
func (d *Doc) Text() string {
	var b strings.Builder
	for _, c := range d.chars {
		if !c.Deleted {
			b.WriteString(c.Value)
		}
	}
	return b.String()
}

// Len returns the number of visible characters.
func (d *Doc) Len() int {
	n := 0
	for _, c := range d.chars {
		if !c.Deleted {
			n++
		}
	}
	return n
}

// visible returns the indexes into d.chars of non-deleted characters.
func (d *Doc) visible() []int {
	out := make([]int, 0, len(d.chars))
	for i, c := range d.chars {
		if !c.Deleted {
			out = append(out, i)
		}
	}
	return out
}

func (d *Doc) nextID() string {
	d.clock++
	return d.replica + ":" + strconv.FormatUint(d.clock, 10)
}

// Insert inserts text before the visible index and returns the local update.
func (d *Doc) Insert(index int, text string) []byte {
	runes := []rune(text)
	if len(runes) == 0 {
		return encodeChars(nil)
	}
	vis := d.visible()
	if index < 0 {
		index = 0
	}
	if index > len(vis) {
		index = len(vis)
	}

	var lo, hi float64
	switch {
	case len(vis) == 0:
		lo, hi = 0, float64(len(runes)+1)
	case index == 0:
		lo, hi = d.chars[vis[0]].Position-1, d.chars[vis[0]].Position
	case index == len(vis):
		lo = d.chars[vis[len(vis)-1]].Position
		hi = lo + float64(len(runes)+1)
	default:
		lo, hi = d.chars[vis[index-1]].Position, d.chars[vis[index]].Position
	}

	step := (hi - lo) / float64(len(runes)+1)
	chars := make([]Character, 0, len(runes))
	for i, r := range runes {
		chars = append(chars, Character{
			ID:       d.nextID(),
			Value:    string(r),
			Position: lo + step*float64(i+1),
		})
	}
	d.merge(chars)
	return encodeChars(chars)
}

// Delete tombstones n visible characters starting at index and returns the
// local update.
func (d *Doc) Delete(index, n int) []byte {
	vis := d.visible()
	if index < 0 {
		index = 0
	}
	end := index + n
	if end > len(vis) {
		end = len(vis)
	}
	var chars []Character
	for i := index; i < end; i++ {
		c := d.chars[vis[i]]
		c.Deleted = true
		chars = append(chars, c)
	}
	d.merge(chars)
	return encodeChars(chars)
}

// Replace produces the update that turns the visible content into text:
// everything visible is tombstoned and text is inserted as new characters.
func (d *Doc) Replace(text string) []byte {
	del := d.Delete(0, d.Len())
	ins := d.Insert(0, text)

	var a, b update
	_ = json.Unmarshal(del, &a)
	_ = json.Unmarshal(ins, &b)
	return encodeChars(append(a.Characters, b.Characters...))
}

func encodeChars(chars []Character) []byte {
	if chars == nil {
		chars = []Character{}
	}
	data, _ := json.Marshal(update{Characters: chars})
	return data
}

// TextOf decodes a serialized state and returns its visible content.
func TextOf(state []byte) (string, error) {
	d, err := Load("", state)
	if err != nil {
		return "", err
	}
	return d.Text(), nil
}
