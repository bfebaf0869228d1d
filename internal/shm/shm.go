// Package shm manages the named shared-memory arenas that back each
// channel's descriptor/data rings and a builder's assembly buffer
// (spec §3/§4). The original implementation used Boost's
// managed_shared_memory over POSIX shm objects; this is the same idea
// built on golang.org/x/sys/unix mmap of files under the configured
// shm directory (typically /dev/shm), with arenas named by
// github.com/teris-io/shortid so producer and consumer processes can
// rendezvous on a wire.ShmHandle.ArenaUUID without a separate registry
// service.
package shm

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/teris-io/shortid"
	"golang.org/x/sys/unix"
)

// Arena is one mmap'd, named shared-memory region.
type Arena struct {
	UUID string
	path string
	data []byte
}

// Plane creates and tracks arenas rooted at a single directory
// (typically /dev/shm/<prefix>), and can sweep it for arenas left
// behind by a crashed process on startup.
type Plane struct {
	dir       string
	generator *shortid.Shortid
	arenas    map[string]*Arena
}

// NewPlane returns a Plane rooted at dir, creating it if necessary.
func NewPlane(dir string) (*Plane, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrapf(err, "shm: create arena directory %s", dir)
	}
	gen, err := shortid.New(1, shortid.DefaultABC, 0xC0FFEE)
	if err != nil {
		return nil, errors.Wrap(err, "shm: init id generator")
	}
	return &Plane{dir: dir, generator: gen, arenas: make(map[string]*Arena)}, nil
}

// Create allocates a new arena of the given size, backed by a freshly
// named file under the plane's directory, and mmaps it read/write.
func (p *Plane) Create(size uint64) (*Arena, error) {
	uuid, err := p.generator.Generate()
	if err != nil {
		return nil, errors.Wrap(err, "shm: generate arena id")
	}
	path := filepath.Join(p.dir, uuid)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "shm: create arena file %s", path)
	}
	defer f.Close()

	if err := f.Truncate(int64(size)); err != nil {
		os.Remove(path)
		return nil, errors.Wrapf(err, "shm: truncate arena file %s", path)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		os.Remove(path)
		return nil, errors.Wrapf(err, "shm: mmap arena %s", path)
	}

	a := &Arena{UUID: uuid, path: path, data: data}
	p.arenas[uuid] = a
	return a, nil
}

// Open attaches to an existing arena by UUID, for a consumer process
// that received a wire.ShmHandle referencing it.
func (p *Plane) Open(uuid string, size uint64) (*Arena, error) {
	if a, ok := p.arenas[uuid]; ok {
		return a, nil
	}
	path := filepath.Join(p.dir, uuid)
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "shm: open arena file %s", path)
	}
	defer f.Close()

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "shm: mmap arena %s", path)
	}
	a := &Arena{UUID: uuid, path: path, data: data}
	p.arenas[uuid] = a
	return a, nil
}

// Release unmaps and removes the backing file for an arena this plane
// created. Consumers that only Open()'d an arena should instead call
// Detach, leaving the file for the owning producer to Release.
func (p *Plane) Release(a *Arena) error {
	delete(p.arenas, a.UUID)
	if err := unix.Munmap(a.data); err != nil {
		return errors.Wrapf(err, "shm: munmap arena %s", a.UUID)
	}
	return errors.Wrapf(os.Remove(a.path), "shm: remove arena file %s", a.path)
}

// Detach unmaps an arena without removing its backing file.
func (p *Plane) Detach(a *Arena) error {
	delete(p.arenas, a.UUID)
	return errors.Wrapf(unix.Munmap(a.data), "shm: munmap arena %s", a.UUID)
}

// Bytes returns the arena's mapped memory.
func (a *Arena) Bytes() []byte { return a.data }

// SweepOrphans removes arena files in dir not present in the live set
// (keep), for cleanup on startup after an unclean shutdown left stale
// /dev/shm entries behind. It walks with karrick/godirwalk rather than
// filepath.Walk/os.ReadDir, matching the teacher's directory-walking
// idiom elsewhere in the module.
func SweepOrphans(dir string, keep map[string]struct{}) error {
	return errors.Wrap(walkAndRemoveOrphans(dir, keep), "shm: sweep orphans")
}
