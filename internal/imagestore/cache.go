package imagestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bpfman/bpfmand/internal/bpmerrors"
)

// cache layout, rooted at Store.cacheDir:
//
//	blobs/<digest-hex>/bytecode.elf
//	blobs/<digest-hex>/meta.json
//	index.json               ref string -> digest hex, for PullNever lookups
//	                          that never touch the registry
var cacheMu sync.Mutex

type cacheIndex struct {
	Refs map[string]string `json:"refs"` // image ref -> digest hex
}

func (s *Store) indexPath() string { return filepath.Join(s.cacheDir, "index.json") }

func (s *Store) loadIndex() (*cacheIndex, error) {
	data, err := os.ReadFile(s.indexPath())
	if os.IsNotExist(err) {
		return &cacheIndex{Refs: map[string]string{}}, nil
	}
	if err != nil {
		return nil, bpmerrors.New(bpmerrors.KindInternal, fmt.Errorf("read cache index: %w", err))
	}
	var idx cacheIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, bpmerrors.New(bpmerrors.KindInternal, fmt.Errorf("parse cache index: %w", err))
	}
	if idx.Refs == nil {
		idx.Refs = map[string]string{}
	}
	return &idx, nil
}

func (s *Store) saveIndex(idx *cacheIndex) error {
	data, err := json.Marshal(idx)
	if err != nil {
		return bpmerrors.New(bpmerrors.KindInternal, fmt.Errorf("encode cache index: %w", err))
	}
	return atomicWrite(s.indexPath(), data)
}

func (s *Store) blobDir(digestHex string) string {
	return filepath.Join(s.cacheDir, "blobs", digestHex)
}

// loadCached returns the cached Bytecode for digestHex, if present.
func (s *Store) loadCached(digestHex string) (*Bytecode, bool) {
	dir := s.blobDir(digestHex)
	elf, err := os.ReadFile(filepath.Join(dir, "bytecode.elf"))
	if err != nil {
		return nil, false
	}
	metaData, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return nil, false
	}
	var bc Bytecode
	if err := json.Unmarshal(metaData, &bc); err != nil {
		return nil, false
	}
	bc.ELF = elf
	return &bc, true
}

// loadCachedByRef resolves ref to a digest via the on-disk index and loads
// the cached Bytecode, for PullNever's "fail if not cached" semantics —
// since PullNever never contacts the registry, no digest is known ahead of
// the index lookup.
func (s *Store) loadCachedByRef(ref string) (*Bytecode, error) {
	cacheMu.Lock()
	idx, err := s.loadIndex()
	cacheMu.Unlock()
	if err != nil {
		return nil, err
	}
	digestHex, ok := idx.Refs[ref]
	if !ok {
		return nil, bpmerrors.WithSubkind(bpmerrors.KindImagePull, bpmerrors.SubkindNotCached, fmt.Errorf("%s not cached and pull policy is never", ref))
	}
	bc, ok := s.loadCached(digestHex)
	if !ok {
		return nil, bpmerrors.WithSubkind(bpmerrors.KindImagePull, bpmerrors.SubkindNotCached, fmt.Errorf("%s not cached and pull policy is never", ref))
	}
	return bc, nil
}

// store persists bc under its digest and records ref -> digest in the index.
func (s *Store) store(digestHex, ref string, bc *Bytecode) error {
	dir := s.blobDir(digestHex)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return bpmerrors.New(bpmerrors.KindInternal, fmt.Errorf("create cache dir: %w", err))
	}
	if err := atomicWrite(filepath.Join(dir, "bytecode.elf"), bc.ELF); err != nil {
		return err
	}
	metaData, err := json.Marshal(bc)
	if err != nil {
		return bpmerrors.New(bpmerrors.KindInternal, fmt.Errorf("encode cache metadata: %w", err))
	}
	if err := atomicWrite(filepath.Join(dir, "meta.json"), metaData); err != nil {
		return err
	}

	cacheMu.Lock()
	defer cacheMu.Unlock()
	idx, err := s.loadIndex()
	if err != nil {
		return err
	}
	idx.Refs[ref] = digestHex
	return s.saveIndex(idx)
}

// atomicWrite writes data to path via a temp file + rename so a crash
// mid-write never leaves a truncated cache entry.
func atomicWrite(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return bpmerrors.New(bpmerrors.KindInternal, fmt.Errorf("create dir for %s: %w", path, err))
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return bpmerrors.New(bpmerrors.KindInternal, fmt.Errorf("write %s: %w", tmp, err))
	}
	if err := os.Rename(tmp, path); err != nil {
		return bpmerrors.New(bpmerrors.KindInternal, fmt.Errorf("rename %s to %s: %w", tmp, path, err))
	}
	return nil
}
