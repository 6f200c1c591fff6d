// Copyright (C) 2017 Kale Blankenship. All rights reserved.
// This software may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details

package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wvtftpd.yaml")

	f, err := Open(path)
	require.NoError(t, err)
	assert.NoFileExists(t, path, "nothing written until the first change")

	require.NoError(t, f.Set("TFTP/Base dir", "/srv/tftp"))
	require.NoError(t, f.Set("TFTP/Aliases/default/srv/tftp/pxelinux.0", "/srv/tftp/boot/pxelinux.0"))
	require.NoError(t, f.Set("TFTP/Alias Once/10.1.2.3/boot", "one-shot"))
	require.NoError(t, f.Set("Section", "own value"))
	require.NoError(t, f.Set("Section/child", "child value"))
	require.NoError(t, f.Delete("TFTP/Alias Once/10.1.2.3/boot"))

	g, err := Open(path)
	require.NoError(t, err)

	v, ok := g.Get("TFTP/Base dir")
	require.True(t, ok)
	assert.Equal(t, "/srv/tftp", v)

	v, ok = g.Get("TFTP/Aliases/default//srv/tftp/pxelinux.0")
	require.True(t, ok)
	assert.Equal(t, "/srv/tftp/boot/pxelinux.0", v)

	_, ok = g.Get("TFTP/Alias Once/10.1.2.3/boot")
	assert.False(t, ok)
	assert.Equal(t, []string{"Aliases", "Base dir"}, g.Keys("TFTP"))

	v, _ = g.Get("Section")
	assert.Equal(t, "own value", v)
	v, _ = g.Get("Section/child")
	assert.Equal(t, "child value", v)
}

func TestFileEmptyDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, []byte("# nothing here\n"), 0o644))

	f, err := Open(path)
	require.NoError(t, err)
	assert.Nil(t, f.Keys(""))

	require.NoError(t, f.Set("a", "b"))
	require.NoError(t, f.Delete("a"))

	g, err := Open(path)
	require.NoError(t, err)
	assert.Nil(t, g.Keys(""))
}

func TestFileRejectsScalarDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("just a string\n"), 0o644))

	_, err := Open(path)
	assert.Error(t, err)
}

func TestFileLegacyConversion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.yaml")
	legacy := `
TFTP Aliases:
  a: b
  /c/d: /e/f
  "127.0.0.1 g": h
  "192.168.1.1 /i/j": /k/l
TFTP Alias Once:
  m: n
  /o/p: /q/r
  "127.0.0.1 s": t
  "192.168.1.1 /u/v": /w/x
TFTP:
  Port: 6969
`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	_, err := Open(path)
	require.NoError(t, err)

	// the converted layout is what was saved
	f, err := Open(path)
	require.NoError(t, err)

	for key, want := range map[string]string{
		"TFTP/Aliases/default/a":          "b",
		"TFTP/Aliases/default/c/d":        "/e/f",
		"TFTP/Aliases/127.0.0.1/g":        "h",
		"TFTP/Aliases/192.168.1.1/i/j":    "/k/l",
		"TFTP/Alias Once/default/m":       "n",
		"TFTP/Alias Once/default/o/p":     "/q/r",
		"TFTP/Alias Once/127.0.0.1/s":     "t",
		"TFTP/Alias Once/192.168.1.1/u/v": "/w/x",
		"TFTP/Port":                       "6969",
	} {
		got, ok := f.Get(key)
		if assert.True(t, ok, key) {
			assert.Equal(t, want, got, key)
		}
	}

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(b), "TFTP Aliases"))
	assert.False(t, strings.Contains(string(b), "TFTP Alias Once"))
}

func TestFileWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watched.yaml")
	require.NoError(t, os.WriteFile(path, []byte("TFTP:\n  Port: 69\n"), 0o644))

	f, err := Open(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.Watch(ctx, func(err error) { t.Logf("watch: %v", err) }))

	require.NoError(t, os.WriteFile(path, []byte("TFTP:\n  Port: 6969\n"), 0o644))

	assert.Eventually(t, func() bool {
		v, _ := f.Get("TFTP/Port")
		return v == "6969"
	}, 5*time.Second, 20*time.Millisecond)
}
