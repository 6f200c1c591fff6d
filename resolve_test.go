// Copyright (C) 2017 Kale Blankenship. All rights reserved.
// This software may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details

package tftp

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wlach/wvtftpd/config"
)

const testClient = "192.168.1.1"

type resolveFixture struct {
	t     *testing.T
	base  string
	store *config.Tree
}

func newResolveFixture(t *testing.T, files ...string) *resolveFixture {
	f := &resolveFixture{t: t, base: t.TempDir(), store: config.NewMemory()}
	require.NoError(t, f.store.Set(keyBaseDir, f.base))
	for _, name := range files {
		require.NoError(t, os.WriteFile(filepath.Join(f.base, name), nil, 0o644))
	}
	return f
}

func (f *resolveFixture) set(key, value string) {
	require.NoError(f.t, f.store.Set(key, value))
}

func (f *resolveFixture) resolve(dir direction, name string) (resolution, error) {
	return newResolver(loadSettings(f.store), f.store, testClient, dir, testLogger()).resolve(name)
}

func (f *resolveFixture) path(name string) string {
	return f.base + "/" + name
}

func TestResolveRead(t *testing.T) {
	f := newResolveFixture(t, "default", "foo", "real_file", "once")

	check := func(name, want string) {
		t.Helper()
		res, err := f.resolve(dirRead, name)
		require.NoError(t, err, name)
		assert.Equal(t, want, res.path, name)
	}
	reject := func(name string, code ErrorCode) {
		t.Helper()
		_, err := f.resolve(dirRead, name)
		require.Error(t, err, name)
		got, _ := errorCodeOf(err)
		assert.Equal(t, code, got, name)
	}

	// full and relative paths
	check(f.path("foo"), f.path("foo"))
	check("foo", f.path("foo"))

	f.set(keyStripPrefix, "/strip")
	check("/strip/foo", f.path("foo"))

	// absolute paths outside the base directory
	reject("/foo", ErrCodeAccessViolation)
	reject(f.base+"/../"+filepath.Base(f.base)+"/foo", ErrCodeAccessViolation)
	reject(f.base+"-evil/foo", ErrCodeAccessViolation)
	reject("notfound", ErrCodeFileNotFound)

	f.set(keyDefaultFile, "default")
	check("notfound", f.path("default"))

	f.set(keyAliases+"/default/aliased_file", "real_file")
	check("aliased_file", f.path("real_file"))

	// full-path alias, authored against the path under the base directory
	require.NoError(t, f.store.Delete(keyAliases+"/default/aliased_file"))
	f.set(config.Join(keyAliases, "default", f.base, "aliased_file"), f.path("real_file"))
	check(f.path("aliased_file"), f.path("real_file"))
	check("aliased_file", f.path("real_file"))

	f.set(keyAliases+"/"+testClient+"/aliased_file", "real_file")
	check("aliased_file", f.path("real_file"))

	f.set(config.Join(keyAliases, testClient, f.base, "aliased_file"), f.path("real_file"))
	check(f.path("aliased_file"), f.path("real_file"))

	// alias once wins, and is reported for removal
	f.set(keyAliasOnce+"/"+testClient+"/aliased_file", "once")
	res, err := f.resolve(dirRead, "aliased_file")
	require.NoError(t, err)
	assert.Equal(t, f.path("once"), res.path)
	assert.Equal(t, keyAliasOnce+"/"+testClient+"/aliased_file", res.aliasOnce)

	// aliases cannot escape
	f.set(keyAliases+"/default/passwd", "/etc/passwd")
	reject("passwd", ErrCodeAccessViolation)
}

func TestResolveReadPermissions(t *testing.T) {
	f := newResolveFixture(t, "private")
	require.NoError(t, os.Chmod(f.path("private"), 0o600))
	require.NoError(t, os.Mkdir(f.path("dir"), 0o755))

	_, err := f.resolve(dirRead, "private")
	code, _ := errorCodeOf(err)
	assert.Equal(t, ErrCodeAccessViolation, code)

	_, err = f.resolve(dirRead, "dir")
	code, _ = errorCodeOf(err)
	assert.Equal(t, ErrCodeAccessViolation, code)
}

func TestResolveWriteClientDirectory(t *testing.T) {
	f := newResolveFixture(t)
	f.set(keyClientDir, "1")

	_, err := f.resolve(dirWrite, "upload")
	require.Error(t, err)
	code, _ := errorCodeOf(err)
	assert.Equal(t, ErrCodeAccessViolation, code)

	f.set(keyCreateClientDir, "1")
	res, err := f.resolve(dirWrite, "upload")
	require.NoError(t, err)
	assert.Equal(t, f.path(testClient+"/upload"), res.path)
	assert.DirExists(t, f.path(testClient))

	f.set(keyCreateClientDir, "0")
	res, err = f.resolve(dirWrite, "upload")
	require.NoError(t, err)
	assert.Equal(t, f.path(testClient+"/upload"), res.path)
}

func TestResolveWriteExisting(t *testing.T) {
	f := newResolveFixture(t, "exists")

	_, err := f.resolve(dirWrite, "exists")
	code, _ := errorCodeOf(err)
	assert.Equal(t, ErrCodeFileAlreadyExists, code)

	f.set(keyOverwrite, "yes")
	_, err = f.resolve(dirWrite, "exists")
	code, _ = errorCodeOf(err)
	assert.Equal(t, ErrCodeAccessViolation, code, "not world-writable")
	assert.FileExists(t, f.path("exists"))

	require.NoError(t, os.Chmod(f.path("exists"), 0o666))
	res, err := f.resolve(dirWrite, "exists")
	require.NoError(t, err)
	assert.Equal(t, f.path("exists"), res.path)
	assert.FileExists(t, f.path("exists"), "resolving never removes the target")
}

func TestResolveDefaultFileDropsAliasOnce(t *testing.T) {
	f := newResolveFixture(t, "default")
	f.set(keyDefaultFile, "default")
	f.set(keyAliasOnce+"/default/boot", "missing")

	res, err := f.resolve(dirRead, "boot")
	require.NoError(t, err)
	assert.Equal(t, f.path("default"), res.path)
	assert.Empty(t, res.aliasOnce)
}

func TestResolveWriteTraversalLeavesFilesAlone(t *testing.T) {
	f := newResolveFixture(t)
	outside := t.TempDir() + "/victim"
	require.NoError(t, os.WriteFile(outside, nil, 0o666))
	f.set(keyOverwrite, "1")

	_, err := f.resolve(dirWrite, outside)
	code, _ := errorCodeOf(err)
	assert.Equal(t, ErrCodeAccessViolation, code)
	assert.FileExists(t, outside)
}

func TestAliasLookupScopes(t *testing.T) {
	store := config.NewMemory()
	require.NoError(t, store.Set("TFTP/Aliases/default/a", "default-a"))
	require.NoError(t, store.Set("TFTP/Aliases/10.0.0.1/a", "client-a"))
	require.NoError(t, store.Set("TFTP/Alias Once/default/a", "once-a"))

	target, once, ok := aliasTable{store: store, client: "10.0.0.1"}.lookup("a")
	require.True(t, ok)
	assert.Equal(t, "once-a", target)
	assert.Equal(t, "TFTP/Alias Once/default/a", once)

	require.NoError(t, store.Delete(once))
	target, once, ok = aliasTable{store: store, client: "10.0.0.1"}.lookup("a")
	require.True(t, ok)
	assert.Equal(t, "client-a", target)
	assert.Empty(t, once)

	target, _, ok = aliasTable{store: store, client: "10.0.0.2"}.lookup("A")
	require.True(t, ok)
	assert.Equal(t, "default-a", target)

	_, _, ok = aliasTable{store: store}.lookup("b")
	assert.False(t, ok)
}
