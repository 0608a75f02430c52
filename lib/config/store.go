// Copyright (C) 2024 The Stratosync Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/stratosync/stratosync/lib/sync"
)

var (
	ErrBadKey        = errors.New("config key must be 32 bytes")
	ErrNoValidSlot   = errors.New("no config slot passed authentication")
	ErrUnknownSync   = errors.New("no such sync in store")
	ErrDuplicateSync = errors.New("sync already present in store")

	errEnvelopeShort = errors.New("config envelope truncated")
)

const (
	slotCount = 2

	// Dirty drives are flushed together on this cadence, and always on
	// orderly shutdown.
	flushInterval = 5 * time.Second
)

// storeDocument is the JSON document inside one slot. The counter picks
// the newer slot; it is encrypted and authenticated along with the
// configs, so a tampered counter fails the HMAC before it is compared.
type storeDocument struct {
	Counter uint64       `json:"counter"`
	Configs []SyncConfig `json:"configs"`
}

// drive is one config file pair on disk. Internal syncs share the
// per-user drive; each external backup drive carries its own.
type drive struct {
	prefix  string // file path without the slot suffix
	counter uint64
	configs []SyncConfig
	dirty   bool
}

// Store keeps all SyncConfigs, one drive per config location, and
// flushes dirty drives on a timer and when Serve's context ends.
type Store struct {
	key    []byte
	mut    sync.Mutex
	drives map[string]*drive // keyed by drive path ("" = internal)
	userDir string
}

// NewStore creates a store whose internal drive lives in userDir. The
// key is 32 bytes: the first half keys AES-128-CBC, the second half
// keys the HMAC.
func NewStore(userDir string, key []byte) (*Store, error) {
	if len(key) != 32 {
		return nil, ErrBadKey
	}
	s := &Store{
		key:     append([]byte(nil), key...),
		mut:     sync.NewMutex(),
		drives:  make(map[string]*drive),
		userDir: userDir,
	}
	return s, nil
}

func (s *Store) drivePrefix(drivePath string) string {
	if drivePath == "" {
		return filepath.Join(s.userDir, "syncs")
	}
	return filepath.Join(drivePath, ".stratosync", "syncs")
}

// LoadDrive reads the config pair for the given drive path, preferring
// the newer slot and falling back to the older when authentication
// fails. A missing pair yields an empty drive; a present but unreadable
// pair is a ConfigReadFailure for the caller to act on.
func (s *Store) LoadDrive(drivePath string) error {
	s.mut.Lock()
	defer s.mut.Unlock()

	if _, ok := s.drives[drivePath]; ok {
		return nil
	}

	d := &drive{prefix: s.drivePrefix(drivePath)}

	type slot struct {
		doc storeDocument
		ok  bool
	}
	var slots [slotCount]slot
	anyPresent := false
	for i := 0; i < slotCount; i++ {
		raw, err := os.ReadFile(fmt.Sprintf("%s.%d", d.prefix, i))
		if err != nil {
			continue
		}
		anyPresent = true
		doc, err := s.decodeSlot(raw)
		if err != nil {
			l.Infof("Config slot %s.%d failed authentication: %v", d.prefix, i, err)
			continue
		}
		slots[i] = slot{doc: doc, ok: true}
	}

	switch {
	case !anyPresent:
		// First run for this drive.
	case !slots[0].ok && !slots[1].ok:
		return ErrNoValidSlot
	default:
		best := slots[0]
		if slots[1].ok && (!slots[0].ok || slots[1].doc.Counter > slots[0].doc.Counter) {
			best = slots[1]
		}
		d.counter = best.doc.Counter
		d.configs = best.doc.Configs
	}

	s.drives[drivePath] = d
	return nil
}

// Configs returns a snapshot of every config across all loaded drives,
// sorted by backup id for determinism.
func (s *Store) Configs() []SyncConfig {
	s.mut.Lock()
	defer s.mut.Unlock()

	var out []SyncConfig
	for _, d := range s.drives {
		out = append(out, d.configs...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BackupID < out[j].BackupID })
	return out
}

// Config returns the config for the given backup id.
func (s *Store) Config(id BackupID) (SyncConfig, bool) {
	s.mut.Lock()
	defer s.mut.Unlock()

	if _, d, i := s.locate(id); d != nil {
		return d.configs[i], true
	}
	return SyncConfig{}, false
}

func (s *Store) locate(id BackupID) (string, *drive, int) {
	for path, d := range s.drives {
		for i := range d.configs {
			if d.configs[i].BackupID == id {
				return path, d, i
			}
		}
	}
	return "", nil, -1
}

// Add places a new config on the drive matching its ExternalDrivePath.
func (s *Store) Add(cfg SyncConfig) error {
	s.mut.Lock()
	defer s.mut.Unlock()

	if _, d, _ := s.locate(cfg.BackupID); d != nil {
		return ErrDuplicateSync
	}
	drivePath := cfg.ExternalDrivePath
	d, ok := s.drives[drivePath]
	if !ok {
		d = &drive{prefix: s.drivePrefix(drivePath)}
		s.drives[drivePath] = d
	}
	d.configs = append(d.configs, cfg)
	d.dirty = true
	return nil
}

// Update replaces the stored config with the same backup id.
func (s *Store) Update(cfg SyncConfig) error {
	s.mut.Lock()
	defer s.mut.Unlock()

	if _, d, i := s.locate(cfg.BackupID); d != nil {
		d.configs[i] = cfg
		d.dirty = true
		return nil
	}
	return ErrUnknownSync
}

// Remove deletes the config with the given backup id.
func (s *Store) Remove(id BackupID) error {
	s.mut.Lock()
	defer s.mut.Unlock()

	if _, d, i := s.locate(id); d != nil {
		d.configs = append(d.configs[:i], d.configs[i+1:]...)
		d.dirty = true
		return nil
	}
	return ErrUnknownSync
}

// Flush writes every dirty drive. Called on the flush timer, on
// shutdown, and by tests.
func (s *Store) Flush() error {
	s.mut.Lock()
	defer s.mut.Unlock()

	var firstErr error
	for path, d := range s.drives {
		if !d.dirty {
			continue
		}
		if err := s.flushDrive(d); err != nil {
			l.Warnf("Saving configs for drive %q: %v", path, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		d.dirty = false
	}
	return firstErr
}

func (s *Store) flushDrive(d *drive) error {
	d.counter++
	doc := storeDocument{Counter: d.counter, Configs: d.configs}
	raw, err := s.encodeSlot(doc)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(d.prefix), 0o700); err != nil {
		return err
	}
	// Alternate slots by counter parity so that a torn write clobbers
	// the older slot, never the newest good one.
	name := fmt.Sprintf("%s.%d", d.prefix, d.counter%slotCount)
	return os.WriteFile(name, raw, 0o600)
}

// Serve flushes dirty drives periodically until ctx is done, then does
// a final flush.
func (s *Store) Serve(ctx context.Context) error {
	timer := time.NewTicker(flushInterval)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			s.Flush()
		case <-ctx.Done():
			return s.Flush()
		}
	}
}

// Envelope layout: iv(16) || ciphertext || hmac(32). The HMAC covers
// the ciphertext. The counter lives inside the encrypted JSON.
func (s *Store) encodeSlot(doc storeDocument) ([]byte, error) {
	plain, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	plain = pkcs7Pad(plain, aes.BlockSize)

	block, err := aes.NewCipher(s.key[:16])
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	ct := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, plain)

	mac := hmac.New(sha256.New, s.key[16:])
	mac.Write(ct)

	out := make([]byte, 0, len(iv)+len(ct)+mac.Size())
	out = append(out, iv...)
	out = append(out, ct...)
	out = append(out, mac.Sum(nil)...)
	return out, nil
}

func (s *Store) decodeSlot(raw []byte) (storeDocument, error) {
	macSize := sha256.Size
	if len(raw) < aes.BlockSize+macSize || (len(raw)-aes.BlockSize-macSize)%aes.BlockSize != 0 {
		return storeDocument{}, errEnvelopeShort
	}
	iv := raw[:aes.BlockSize]
	ct := raw[aes.BlockSize : len(raw)-macSize]
	sum := raw[len(raw)-macSize:]

	mac := hmac.New(sha256.New, s.key[16:])
	mac.Write(ct)
	if !hmac.Equal(sum, mac.Sum(nil)) {
		return storeDocument{}, ErrNoValidSlot
	}

	block, err := aes.NewCipher(s.key[:16])
	if err != nil {
		return storeDocument{}, err
	}
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)
	plain, err = pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return storeDocument{}, err
	}

	var doc storeDocument
	if err := json.Unmarshal(plain, &doc); err != nil {
		return storeDocument{}, err
	}
	return doc, nil
}

func pkcs7Pad(bs []byte, blockSize int) []byte {
	n := blockSize - len(bs)%blockSize
	pad := make([]byte, n)
	for i := range pad {
		pad[i] = byte(n)
	}
	return append(bs, pad...)
}

func pkcs7Unpad(bs []byte, blockSize int) ([]byte, error) {
	if len(bs) == 0 || len(bs)%blockSize != 0 {
		return nil, errEnvelopeShort
	}
	n := int(bs[len(bs)-1])
	if n == 0 || n > blockSize || n > len(bs) {
		return nil, errEnvelopeShort
	}
	for _, b := range bs[len(bs)-n:] {
		if int(b) != n {
			return nil, errEnvelopeShort
		}
	}
	return bs[:len(bs)-n], nil
}
