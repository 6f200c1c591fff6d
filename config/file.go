// Copyright (C) 2017 Kale Blankenship. All rights reserved.
// This software may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details

package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// selfKey holds the value of a section that also has children.
const selfKey = "."

// File is a Store persisted as a YAML document. Every Set and Delete is
// written back to disk.
type File struct {
	*Tree
	path string
}

// Open loads the YAML file at path. A missing file yields an empty store
// that is created on the first write. Legacy flat alias sections are
// converted on load and the converted document is saved.
func Open(path string) (*File, error) {
	f := &File{Tree: NewMemory(), path: path}

	converted, err := f.load()
	if err != nil {
		return nil, err
	}
	if converted {
		if err := f.save(); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Path is the file backing the store.
func (f *File) Path() string { return f.path }

// Set implements Store.
func (f *File) Set(path, value string) error {
	if err := f.Tree.Set(path, value); err != nil {
		return err
	}
	return f.save()
}

// Delete implements Store.
func (f *File) Delete(path string) error {
	if err := f.Tree.Delete(path); err != nil {
		return err
	}
	return f.save()
}

// Reload re-reads the file, replacing the in-memory contents.
func (f *File) Reload() error {
	_, err := f.load()
	return err
}

// Watch reloads the store whenever the file changes on disk, until ctx is
// done. Reload failures are passed to onErr and the previous contents kept.
func (f *File) Watch(ctx context.Context, onErr func(error)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	// Watch the directory so editors that replace the file are noticed.
	if err := w.Add(filepath.Dir(f.path)); err != nil {
		w.Close()
		return fmt.Errorf("watching %s: %w", f.path, err)
	}

	go func() {
		defer w.Close()
		target := filepath.Clean(f.path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				if err := f.Reload(); err != nil && onErr != nil {
					onErr(err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if onErr != nil {
					onErr(err)
				}
			}
		}
	}()
	return nil
}

func (f *File) load() (bool, error) {
	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		f.replace(newNode(""))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", f.path, err)
	}

	root, converted, err := decode(b)
	if err != nil {
		return false, fmt.Errorf("parsing %s: %w", f.path, err)
	}
	f.replace(root)
	return converted, nil
}

// save writes the store to a temporary file and renames it into place.
func (f *File) save() error {
	f.mu.RLock()
	b, err := encode(f.root)
	f.mu.RUnlock()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), "."+filepath.Base(f.path)+".*")
	if err != nil {
		return fmt.Errorf("saving %s: %w", f.path, err)
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("saving %s: %w", f.path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("saving %s: %w", f.path, err)
	}
	return os.Rename(tmp.Name(), f.path)
}

// decode builds a tree from a YAML document. Scalars keep their literal
// text, so "0" and "no" stay strings until read through Int or Bool.
func decode(b []byte) (*node, bool, error) {
	root := newNode("")
	if len(bytes.TrimSpace(b)) == 0 {
		return root, false, nil
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, false, err
	}
	top := &doc
	if top.Kind == yaml.DocumentNode {
		if len(top.Content) == 0 {
			return root, false, nil
		}
		top = top.Content[0]
	}
	if top.Kind == 0 || top.Kind == yaml.ScalarNode && (top.Value == "" || top.Tag == "!!null") {
		return root, false, nil
	}
	if top.Kind != yaml.MappingNode {
		return nil, false, errors.New("top level is not a mapping")
	}

	converted := false
	for i := 0; i+1 < len(top.Content); i += 2 {
		key, val := top.Content[i].Value, top.Content[i+1]
		if convertLegacy(root, key, val) {
			converted = true
			continue
		}
		if err := walk(root, []string{key}, val); err != nil {
			return nil, false, err
		}
	}
	return root, converted, nil
}

func walk(root *node, segs []string, n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		if segs[len(segs)-1] == selfKey {
			segs = segs[:len(segs)-1]
		}
		setPath(root, splitAll(segs), n.Value)
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			next := append(append([]string(nil), segs...), n.Content[i].Value)
			if err := walk(root, next, n.Content[i+1]); err != nil {
				return err
			}
		}
	case yaml.AliasNode:
		return walk(root, segs, n.Alias)
	default:
		return fmt.Errorf("unsupported value at %q", Join(segs...))
	}
	return nil
}

// splitAll lets mapping keys carry slashes, e.g. full-path alias names.
func splitAll(segs []string) []string {
	return Split(Join(segs...))
}

func encode(root *node) ([]byte, error) {
	doc := toYAML(root)
	if doc.Kind != yaml.MappingNode {
		doc = &yaml.Node{Kind: yaml.MappingNode}
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func toYAML(n *node) *yaml.Node {
	if len(n.children) == 0 {
		return &yaml.Node{Kind: yaml.ScalarNode, Value: n.value}
	}
	m := &yaml.Node{Kind: yaml.MappingNode}
	if n.hasValue {
		m.Content = append(m.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: selfKey},
			&yaml.Node{Kind: yaml.ScalarNode, Value: n.value})
	}
	for _, c := range n.sortedChildren() {
		m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: c.name}, toYAML(c))
	}
	return m
}
