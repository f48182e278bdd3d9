// Package snapshot stores a search's starting state together with the plan it
// produced, so the plan can be replayed and checked later.
package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"buildplan.ai/internal/sim/abstract"
	"buildplan.ai/internal/sim/buildorder"
	"buildplan.ai/internal/sim/catalogs"
)

const Version = 1

var (
	ErrCatalogMismatch = errors.New("snapshot was taken with a different action palette")
	ErrDigestMismatch  = errors.New("replayed digest does not match snapshot")
)

type Header struct {
	Version int    `json:"version"`
	Session string `json:"session"`
	Frame   int    `json:"frame"`
}

type SnapshotV1 struct {
	Header Header `json:"header"`

	PaletteDigest string `json:"palette_digest"`
	CatalogDigest string `json:"catalog_digest"`

	// State is where Order starts. Unit types are palette indices.
	State  abstract.State    `json:"state"`
	Order  []buildorder.Wire `json:"order"`
	Starts []int             `json:"starts"`
	Digest string            `json:"digest"`
}

// Capture replays order from a copy of start and records the resulting digest.
func Capture(cat *catalogs.Catalog, session string, start *abstract.State, order *buildorder.BuildOrder) (SnapshotV1, error) {
	s := start.Clone()
	s.Attach(cat)
	starts, err := order.Replay(s)
	if err != nil {
		return SnapshotV1{}, fmt.Errorf("capture: %w", err)
	}
	return SnapshotV1{
		Header:        Header{Version: Version, Session: session, Frame: start.Frame},
		PaletteDigest: cat.PaletteDigest,
		CatalogDigest: cat.Digest(),
		State:         *start.Clone(),
		Order:         order.Encode(cat),
		Starts:        starts,
		Digest:        s.Digest(),
	}, nil
}

// Verify replays the snapshot's order against cat and returns the final state.
func Verify(cat *catalogs.Catalog, snap SnapshotV1) (*abstract.State, error) {
	if snap.PaletteDigest != cat.PaletteDigest {
		return nil, ErrCatalogMismatch
	}
	order, err := buildorder.Decode(cat, snap.Order)
	if err != nil {
		return nil, err
	}
	s := snap.State.Clone()
	s.Attach(cat)
	starts, err := order.Replay(s)
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	for i := range starts {
		if i >= len(snap.Starts) || starts[i] != snap.Starts[i] {
			return s, fmt.Errorf("%w: entry %d started at %d", ErrDigestMismatch, i, starts[i])
		}
	}
	if got := s.Digest(); got != snap.Digest {
		return s, fmt.Errorf("%w: got %s want %s", ErrDigestMismatch, got, snap.Digest)
	}
	return s, nil
}

// PathFor is the conventional location of a session snapshot under dir.
func PathFor(dir, session string, frame int) string {
	return filepath.Join(dir, session, fmt.Sprintf("%d.snap.zst", frame))
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer enc.Close()

	bw := bufio.NewWriterSize(enc, 64*1024)
	defer bw.Flush()

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}

	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	return nil
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)

	// The header line is for humans and tools like zstdcat; gob carries it too.
	_, _ = br.ReadBytes('\n')

	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("snapshot version %d not supported", snap.Header.Version)
	}
	return snap, nil
}
