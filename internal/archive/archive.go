// Package archive writes snapshots of a session's cached bloc trees to a blob
// store and restores the most recent one to warm-start a later session.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"fieldops/internal/blob"
	"fieldops/internal/observability"
	"fieldops/pkg/domain"
)

// DefaultPrefix is the key prefix archives are written under.
const DefaultPrefix = "snapshots/"

// FormatVersion is written into every document; Load rejects other versions.
const FormatVersion = 1

const keyTimeLayout = "20060102T150405.000000000Z"

// ErrNoArchive is returned when no archive exists under the prefix.
var ErrNoArchive = errors.New("archive: no snapshot found")

// Document is the JSON body of one archive.
type Document struct {
	Version   int                   `json:"version"`
	CreatedAt time.Time             `json:"created_at"`
	Blocs     []domain.BlocSnapshot `json:"blocs"`
}

// Session is the part of a cache session the archive reads and restores.
type Session interface {
	Export() []domain.BlocSnapshot
	Import([]domain.BlocSnapshot) error
}

// Archive stores Documents in a blob store. Keys sort chronologically, so the
// greatest key under the prefix is the latest snapshot.
type Archive struct {
	store  blob.Store
	prefix string
	newID  func() string
	inst   observability.Instruments
}

// Option configures an Archive.
type Option func(*Archive)

// WithPrefix overrides DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(a *Archive) {
		if prefix != "" && !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		a.prefix = prefix
	}
}

// WithInstruments sets the logger, metrics, tracer and clock.
func WithInstruments(in observability.Instruments) Option {
	return func(a *Archive) { a.inst = in }
}

// WithIDGenerator replaces the random key suffix.
func WithIDGenerator(fn func() string) Option {
	return func(a *Archive) {
		if fn != nil {
			a.newID = fn
		}
	}
}

// New returns an Archive over store.
func New(store blob.Store, opts ...Option) *Archive {
	a := &Archive{store: store, prefix: DefaultPrefix, newID: uuid.NewString}
	for _, opt := range opts {
		opt(a)
	}
	a.inst = a.inst.Normalize()
	return a
}

// Save writes snapshots as a new archive and returns its blob info.
func (a *Archive) Save(ctx context.Context, snapshots []domain.BlocSnapshot) (blob.Info, error) {
	var info blob.Info
	err := a.inst.Run(ctx, "archive.save", func(ctx context.Context) error {
		now := a.inst.Clock().UTC()
		if snapshots == nil {
			snapshots = []domain.BlocSnapshot{}
		}
		body, err := json.Marshal(Document{Version: FormatVersion, CreatedAt: now, Blocs: snapshots})
		if err != nil {
			return fmt.Errorf("encode archive: %w", err)
		}
		key := a.prefix + now.Format(keyTimeLayout) + "-" + a.newID() + ".json"
		info, err = a.store.Put(ctx, key, bytes.NewReader(body), blob.PutOptions{
			ContentType: "application/json",
			Metadata:    map[string]string{"blocs": fmt.Sprint(len(snapshots))},
		})
		if err != nil {
			return fmt.Errorf("write archive %s: %w", key, err)
		}
		return nil
	})
	if err != nil {
		return blob.Info{}, err
	}
	a.inst.Logger.Info("archive saved", "key", info.Key, "blocs", len(snapshots), "bytes", info.Size)
	return info, nil
}

// List returns the archives under the prefix, oldest first.
func (a *Archive) List(ctx context.Context) ([]blob.Info, error) {
	infos, err := a.store.List(ctx, a.prefix)
	if err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}
	out := infos[:0]
	for _, info := range infos {
		if strings.HasSuffix(info.Key, ".json") {
			out = append(out, info)
		}
	}
	return out, nil
}

// Latest returns the most recent archive.
func (a *Archive) Latest(ctx context.Context) (blob.Info, error) {
	infos, err := a.List(ctx)
	if err != nil {
		return blob.Info{}, err
	}
	if len(infos) == 0 {
		return blob.Info{}, ErrNoArchive
	}
	return infos[len(infos)-1], nil
}

// Load reads and decodes the archive at key.
func (a *Archive) Load(ctx context.Context, key string) (Document, error) {
	var doc Document
	err := a.inst.Run(ctx, "archive.load", func(ctx context.Context) error {
		_, rc, err := a.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, blob.ErrNotFound) {
				return fmt.Errorf("load archive %s: %w", key, ErrNoArchive)
			}
			return fmt.Errorf("load archive %s: %w", key, err)
		}
		defer func() { _ = rc.Close() }()
		if err := json.NewDecoder(rc).Decode(&doc); err != nil {
			return fmt.Errorf("decode archive %s: %w", key, err)
		}
		if doc.Version != FormatVersion {
			return fmt.Errorf("archive %s: unsupported version %d", key, doc.Version)
		}
		return nil
	})
	return doc, err
}

// Snapshot saves everything session currently caches.
func (a *Archive) Snapshot(ctx context.Context, session Session) (blob.Info, error) {
	return a.Save(ctx, session.Export())
}

// Restore imports the latest archive into session and returns it.
func (a *Archive) Restore(ctx context.Context, session Session) (Document, error) {
	latest, err := a.Latest(ctx)
	if err != nil {
		return Document{}, err
	}
	doc, err := a.Load(ctx, latest.Key)
	if err != nil {
		return Document{}, err
	}
	if err := session.Import(doc.Blocs); err != nil {
		return Document{}, fmt.Errorf("restore archive %s: %w", latest.Key, err)
	}
	a.inst.Logger.Info("archive restored", "key", latest.Key, "blocs", len(doc.Blocs), "created_at", doc.CreatedAt)
	return doc, nil
}

// Prune deletes all but the newest keep archives and reports how many were
// removed.
func (a *Archive) Prune(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	infos, err := a.List(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, info := range infos[:max(len(infos)-keep, 0)] {
		ok, err := a.store.Delete(ctx, info.Key)
		if err != nil {
			return removed, fmt.Errorf("prune archive %s: %w", info.Key, err)
		}
		if ok {
			removed++
		}
	}
	if removed > 0 {
		a.inst.Logger.Debug("archives pruned", "removed", removed, "kept", keep)
	}
	return removed, nil
}
