// Copyright (C) 2017 Kale Blankenship. All rights reserved.
// This software may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details

package tftp

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/wlach/wvtftpd/config"
)

type direction int

const (
	dirRead  direction = iota // server sends the file
	dirWrite                  // server receives the file
)

func (d direction) String() string {
	if d == dirWrite {
		return "write"
	}
	return "read"
}

const (
	permWorldRead  fs.FileMode = 0o004
	permWorldWrite fs.FileMode = 0o002
)

// aliasTable finds filename substitutions for one client. Alias-once
// entries win over persistent ones; within each table the client's own
// scope wins over the default scope.
type aliasTable struct {
	store  config.Store
	client string
}

// lookup returns the alias target for name. once is the store path of the
// matched alias-once entry, empty for persistent aliases.
func (a aliasTable) lookup(name string) (target, once string, ok bool) {
	if len(config.Split(name)) == 0 {
		return "", "", false
	}
	for _, table := range []string{keyAliasOnce, keyAliases} {
		for _, scope := range a.scopes() {
			key := config.Join(table, scope, name)
			if v, ok := a.store.Get(key); ok {
				if table == keyAliasOnce {
					return v, key, true
				}
				return v, "", true
			}
		}
	}
	return "", "", false
}

func (a aliasTable) scopes() []string {
	if a.client == "" {
		return []string{config.DefaultScope}
	}
	return []string{a.client, config.DefaultScope}
}

// resolution is the canonical file a request maps to.
type resolution struct {
	path      string
	aliasOnce string // store key to erase when the transfer completes
}

// resolver turns a client-supplied filename into a confined path.
type resolver struct {
	settings Settings
	aliases  aliasTable
	client   string // client IP, names the per-client directory
	dir      direction
	log      *logger
}

func newResolver(settings Settings, store config.Store, client string, dir direction, log *logger) *resolver {
	return &resolver{
		settings: settings,
		aliases:  aliasTable{store: store, client: client},
		client:   client,
		dir:      dir,
		log:      log,
	}
}

// resolve runs the filename through prefix stripping, aliasing, base
// directory placement and the access checks, falling back to the default
// file when a read target does not exist.
func (r *resolver) resolve(filename string) (resolution, error) {
	var res resolution

	name := filename
	if p := r.settings.StripPrefix; p != "" && strings.HasPrefix(name, p) {
		name = strings.TrimLeft(strings.TrimPrefix(name, p), "/")
		r.log.trace("stripped prefix %q: %q", p, name)
	}

	name, found := r.alias(name, &res)
	name = r.place(name, found, &res)

	err := r.check(name)
	if err != nil && r.dir == dirRead && isNotFound(err) && r.settings.DefaultFile != "" {
		r.log.debug("%q not found, trying default file %q", name, r.settings.DefaultFile)
		// an alias-once entry whose target is missing was not served
		res.aliasOnce = ""
		name, found = r.alias(r.settings.DefaultFile, &res)
		name = r.place(name, found, &res)
		err = r.check(name)
	}
	if err != nil {
		return resolution{}, err
	}

	res.path = name
	return res, nil
}

// alias replaces name with its alias target, if any.
func (r *resolver) alias(name string, res *resolution) (string, bool) {
	target, once, ok := r.aliases.lookup(name)
	if !ok {
		return name, false
	}
	r.log.debug("aliased %q to %q", name, target)
	if once != "" {
		res.aliasOnce = once
	}
	return target, true
}

// place puts a relative name under the base directory. Aliases may be
// authored against the full path, so when none matched before it looks
// again.
func (r *resolver) place(name string, found bool, res *resolution) string {
	if strings.HasPrefix(name, "/") {
		return name
	}
	base := r.base()
	name = joinBase(base, name)
	if found {
		return name
	}
	if target, ok := r.alias(name, res); ok {
		if !strings.HasPrefix(target, "/") {
			target = joinBase(base, target)
		}
		return target
	}
	return name
}

// base is the directory relative names land in.
func (r *resolver) base() string {
	if r.dir == dirWrite && r.settings.ClientDir && r.client != "" {
		return joinBase(r.settings.BaseDir, r.client)
	}
	return r.settings.BaseDir
}

// check confines name to the base directory, then applies the write
// pre-checks and the permission checks.
func (r *resolver) check(name string) error {
	if err := r.confine(name); err != nil {
		return err
	}
	if r.dir == dirWrite {
		if err := r.prepareWrite(name); err != nil {
			return err
		}
	}
	return r.access(name)
}

// confine rejects paths outside the base directory or with a ".." segment.
func (r *resolver) confine(name string) error {
	base := r.settings.BaseDir
	if name != base && !strings.HasPrefix(name, strings.TrimSuffix(base, "/")+"/") {
		return &tftpError{code: ErrCodeAccessViolation, err: errors.New(name + " is outside " + base)}
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return &tftpError{code: ErrCodeAccessViolation, err: errors.New(name + " contains a parent reference")}
		}
	}
	return nil
}

// prepareWrite checks that an existing target may be overwritten and makes
// sure the client directory exists. The target itself is only replaced
// when the transfer opens it.
func (r *resolver) prepareWrite(name string) error {
	fi, err := os.Stat(name)
	switch {
	case err == nil:
		if !r.settings.Overwrite {
			return newTFTPError(ErrCodeFileAlreadyExists, errors.New(name))
		}
		if !fi.Mode().IsRegular() || fi.Mode().Perm()&permWorldWrite == 0 {
			return newTFTPError(ErrCodeAccessViolation, errors.New(name+" is not world-writable"))
		}
		r.log.debug("%s will be overwritten", name)
	case !errors.Is(err, fs.ErrNotExist):
		return newTFTPError(ErrCodeAccessViolation, err)
	}

	if !r.settings.ClientDir || r.client == "" {
		return nil
	}
	dir := joinBase(r.settings.BaseDir, r.client)
	if fi, err := os.Stat(dir); err == nil {
		if !fi.IsDir() {
			return newTFTPError(ErrCodeAccessViolation, errors.New(dir+" is not a directory"))
		}
		return nil
	}
	if !r.settings.CreateClientDir {
		return newTFTPError(ErrCodeAccessViolation, errors.New("client directory "+dir+" does not exist"))
	}
	if err := os.Mkdir(dir, 0o777); err != nil {
		return newTFTPError(ErrCodeDiskFull, err)
	}
	r.log.debug("created client directory %s", dir)
	return nil
}

// access checks that the target may be served or written.
func (r *resolver) access(name string) error {
	fi, err := os.Stat(name)
	if r.dir == dirWrite {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil
		case err != nil:
			return newTFTPError(ErrCodeAccessViolation, err)
		case fi.Mode().Perm()&permWorldWrite == 0:
			return newTFTPError(ErrCodeAccessViolation, errors.New(name+" is not world-writable"))
		}
		return nil
	}

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return newTFTPError(ErrCodeFileNotFound, err)
	case err != nil:
		return newTFTPError(ErrCodeAccessViolation, err)
	case !fi.Mode().IsRegular():
		return newTFTPError(ErrCodeAccessViolation, errors.New(name+" is not a regular file"))
	case fi.Mode().Perm()&permWorldRead == 0:
		return newTFTPError(ErrCodeAccessViolation, errors.New(name+" is not world-readable"))
	}
	return nil
}

func isNotFound(err error) bool {
	var te *tftpError
	return errors.As(err, &te) && te.code == ErrCodeFileNotFound
}

func joinBase(base, name string) string {
	return strings.TrimSuffix(base, "/") + "/" + name
}
