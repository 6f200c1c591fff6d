// Copyright (C) 2017 Kale Blankenship. All rights reserved.
// This software may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details

// Package config is the hierarchical key/value store the TFTP server reads
// its settings and alias tables from.
//
// Keys are slash-separated paths such as "TFTP/Base dir" or
// "TFTP/Aliases/default/pxelinux.0". Empty path segments collapse, so
// "TFTP/Aliases/default//srv/tftp/x" and "TFTP/Aliases/default/srv/tftp/x"
// name the same key, and segments match without regard to case.
package config

import (
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Store is a hierarchical configuration store.
type Store interface {
	// Get returns the value at path and whether one is set.
	Get(path string) (string, bool)
	// Set stores value at path, creating intermediate sections.
	Set(path, value string) error
	// Delete removes the value at path. Deleting a missing key is not an error.
	Delete(path string) error
}

// Split breaks a path into its non-empty segments.
func Split(path string) []string {
	parts := strings.Split(path, "/")
	segs := parts[:0]
	for _, p := range parts {
		if p != "" {
			segs = append(segs, p)
		}
	}
	return segs
}

// Join builds a path from parts. Parts may themselves contain slashes.
func Join(parts ...string) string {
	var segs []string
	for _, p := range parts {
		segs = append(segs, Split(p)...)
	}
	return strings.Join(segs, "/")
}

// String returns the value at path, or def when unset.
func String(s Store, path, def string) string {
	if v, ok := s.Get(path); ok {
		return v
	}
	return def
}

// Int returns the integer at path, or def when unset or not a number.
func Int(s Store, path string, def int) int {
	v, ok := s.Get(path)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return i
}

// Bool returns the boolean at path, or def when unset. Numbers are true
// when non-zero; yes/no, on/off and true/false are also understood.
func Bool(s Store, path string, def bool) bool {
	v, ok := s.Get(path)
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "yes", "on":
		return true
	case "false", "no", "off", "":
		return false
	}
	if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return i != 0
	}
	return def
}

type node struct {
	name     string // as first written
	value    string
	hasValue bool
	children map[string]*node // keyed by lower-cased name
}

func newNode(name string) *node {
	return &node{name: name, children: make(map[string]*node)}
}

func (n *node) child(name string) *node {
	return n.children[strings.ToLower(name)]
}

func (n *node) empty() bool {
	return !n.hasValue && len(n.children) == 0
}

// sortedChildren returns the children ordered by name.
func (n *node) sortedChildren() []*node {
	kids := make([]*node, 0, len(n.children))
	for _, c := range n.children {
		kids = append(kids, c)
	}
	sort.Slice(kids, func(i, j int) bool { return kids[i].name < kids[j].name })
	return kids
}

// Tree is an in-memory Store. The zero value is not usable; see NewMemory.
type Tree struct {
	mu   sync.RWMutex
	root *node
}

// NewMemory returns an empty, unpersisted store.
func NewMemory() *Tree {
	return &Tree{root: newNode("")}
}

// Get implements Store.
func (t *Tree) Get(path string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := t.root
	for _, seg := range Split(path) {
		if n = n.child(seg); n == nil {
			return "", false
		}
	}
	if !n.hasValue {
		return "", false
	}
	return n.value, true
}

// Set implements Store.
func (t *Tree) Set(path, value string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	setPath(t.root, Split(path), value)
	return nil
}

func setPath(root *node, segs []string, value string) {
	n := root
	for _, seg := range segs {
		c := n.child(seg)
		if c == nil {
			c = newNode(seg)
			n.children[strings.ToLower(seg)] = c
		}
		n = c
	}
	n.value = value
	n.hasValue = true
}

// Delete implements Store. Sections left empty are pruned.
func (t *Tree) Delete(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	segs := Split(path)
	if len(segs) == 0 {
		return nil
	}
	chain := []*node{t.root}
	n := t.root
	for _, seg := range segs {
		if n = n.child(seg); n == nil {
			return nil
		}
		chain = append(chain, n)
	}
	n.value = ""
	n.hasValue = false

	for i := len(chain) - 1; i > 0; i-- {
		if !chain[i].empty() {
			break
		}
		delete(chain[i-1].children, strings.ToLower(segs[i-1]))
	}
	return nil
}

// Keys returns the names directly under path, in sorted order.
func (t *Tree) Keys(path string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := t.root
	for _, seg := range Split(path) {
		if n = n.child(seg); n == nil {
			return nil
		}
	}
	var keys []string
	for _, c := range n.sortedChildren() {
		keys = append(keys, c.name)
	}
	return keys
}

// replace swaps in a freshly loaded tree.
func (t *Tree) replace(root *node) {
	t.mu.Lock()
	t.root = root
	t.mu.Unlock()
}
