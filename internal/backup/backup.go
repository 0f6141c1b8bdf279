// Package backup keeps timestamped YAML snapshots of the inventory document in
// a blob store, one namespace per inventory instance.
package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"cryocore/internal/blob"
	"cryocore/pkg/domain"
)

const (
	// DefaultKeep is the number of snapshots retained per instance.
	DefaultKeep = 200
	// DefaultBaseName names snapshots when the document has no file name.
	DefaultBaseName = "inventory.yaml"
	// DefaultInstance namespaces documents without an instance id.
	DefaultInstance = "default"

	stampLayout = "20060102-150405"
	suffix      = ".bak"
	contentType = "application/yaml"
)

// Entry describes one stored snapshot.
type Entry struct {
	Ref       string    `json:"ref"`
	Instance  string    `json:"instance"`
	CreatedAt time.Time `json:"created_at"`
	Seq       int       `json:"seq,omitempty"`
	Size      int64     `json:"size_bytes"`
}

// Option configures a Repository.
type Option func(*Repository)

// WithKeep sets the retention count. Zero or less disables pruning.
func WithKeep(n int) Option { return func(r *Repository) { r.keep = n } }

// WithBaseName sets the snapshot file base name.
func WithBaseName(name string) Option {
	return func(r *Repository) {
		if name = strings.TrimSpace(name); name != "" {
			r.base = strings.ReplaceAll(name, "/", "_")
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) {
		if now != nil {
			r.now = now
		}
	}
}

// Repository stores and retrieves snapshots. Keys have the form
// <instance>/<base>.<YYYYmmdd-HHMMSS>[.<n>].bak.
type Repository struct {
	store blob.Store
	base  string
	keep  int
	now   func() time.Time
	mu    sync.Mutex
}

// New constructs a repository over store.
func New(store blob.Store, opts ...Option) *Repository {
	r := &Repository{store: store, base: DefaultBaseName, keep: DefaultKeep, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Instance returns the namespace used for doc.
func Instance(doc domain.Document) string {
	id := strings.TrimSpace(doc.Meta.InventoryInstanceID)
	if id == "" {
		return DefaultInstance
	}
	return strings.NewReplacer("/", "_", "..", "_").Replace(id)
}

// Save writes doc as a new snapshot and prunes old ones. Errors carry
// CodeBackupFailed.
func (r *Repository) Save(ctx context.Context, doc domain.Document) (string, error) {
	key, err := r.Put(ctx, doc)
	if err != nil {
		return "", err
	}
	if err := r.Prune(ctx, Instance(doc)); err != nil {
		return key, err
	}
	return key, nil
}

// Put writes doc as a new snapshot without pruning. Callers that may still
// abandon the snapshot pair it with Discard or Prune.
func (r *Repository) Put(ctx context.Context, doc domain.Document) (string, error) {
	data, err := domain.EncodeYAML(doc)
	if err != nil {
		return "", domain.WrapError(err, domain.CodeBackupFailed, "failed to encode backup")
	}
	instance := Instance(doc)
	stamp := r.now().Format(stampLayout)

	r.mu.Lock()
	defer r.mu.Unlock()
	key := fmt.Sprintf("%s/%s.%s%s", instance, r.base, stamp, suffix)
	for i := 1; ; i++ {
		_, err = r.store.Put(ctx, key, bytes.NewReader(data), blob.PutOptions{
			ContentType: contentType,
			Metadata:    map[string]string{"instance": instance},
		})
		if !errors.Is(err, blob.ErrExists) {
			break
		}
		key = fmt.Sprintf("%s/%s.%s.%d%s", instance, r.base, stamp, i, suffix)
	}
	if err != nil {
		return "", domain.WrapError(err, domain.CodeBackupFailed, "failed to write backup").
			WithContext("ref", key)
	}
	return key, nil
}

// Prune deletes the oldest snapshots of instance beyond the keep limit.
func (r *Repository) Prune(ctx context.Context, instance string) error {
	if r.keep <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.prune(ctx, instance); err != nil {
		return domain.WrapError(err, domain.CodeBackupFailed, "failed to prune backups")
	}
	return nil
}

// Discard deletes a snapshot written by Put whose write was abandoned.
func (r *Repository) Discard(ctx context.Context, ref string) error {
	if _, err := r.store.Delete(ctx, ref); err != nil {
		return domain.WrapError(err, domain.CodeBackupFailed, "failed to discard backup").
			WithContext("ref", ref)
	}
	return nil
}

// List returns the snapshots of instance, newest first.
func (r *Repository) List(ctx context.Context, instance string) ([]Entry, error) {
	infos, err := r.store.List(ctx, instance+"/")
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		e, ok := r.parse(info.Key)
		if !ok {
			continue
		}
		e.Size = info.Size
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.After(entries[j].CreatedAt)
		}
		return entries[i].Seq > entries[j].Seq
	})
	return entries, nil
}

// Latest returns the newest snapshot of instance or a CodeNoBackups error.
func (r *Repository) Latest(ctx context.Context, instance string) (Entry, error) {
	entries, err := r.List(ctx, instance)
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, domain.NewError(domain.CodeNoBackups, "no backups available").
			WithContext("instance", instance)
	}
	return entries[0], nil
}

// Load reads and decodes a snapshot. A missing or unreadable snapshot yields
// CodeRollbackBackupInvalid.
func (r *Repository) Load(ctx context.Context, ref string) (domain.Document, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return domain.Document{}, domain.NewError(domain.CodeRollbackBackupInvalid, "backup reference is empty")
	}
	_, rc, err := r.store.Get(ctx, ref)
	if err != nil {
		return domain.Document{}, domain.WrapError(err, domain.CodeRollbackBackupInvalid, "backup not found").
			WithContext("ref", ref)
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return domain.Document{}, domain.WrapError(err, domain.CodeRollbackBackupInvalid, "failed to read backup").
			WithContext("ref", ref)
	}
	doc, err := domain.DecodeYAML(data)
	if err != nil {
		return domain.Document{}, domain.WrapError(err, domain.CodeRollbackBackupInvalid, "backup is not a valid inventory document").
			WithContext("ref", ref)
	}
	return doc, nil
}

// Exists reports whether ref names a stored snapshot.
func (r *Repository) Exists(ctx context.Context, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return domain.NewError(domain.CodeRollbackBackupInvalid, "backup reference is empty")
	}
	if _, err := r.store.Head(ctx, ref); err != nil {
		return domain.WrapError(err, domain.CodeRollbackBackupInvalid, "backup not found").
			WithContext("ref", ref)
	}
	return nil
}

func (r *Repository) prune(ctx context.Context, instance string) error {
	entries, err := r.List(ctx, instance)
	if err != nil {
		return err
	}
	if len(entries) <= r.keep {
		return nil
	}
	for _, old := range entries[r.keep:] {
		if _, err := r.store.Delete(ctx, old.Ref); err != nil {
			return err
		}
	}
	return nil
}

// parse extracts the timestamp and collision counter from a key.
func (r *Repository) parse(key string) (Entry, bool) {
	slash := strings.LastIndex(key, "/")
	if slash <= 0 {
		return Entry{}, false
	}
	instance, name := key[:slash], key[slash+1:]
	prefix := r.base + "."
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
		return Entry{}, false
	}
	rest := strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix)
	stamp, seqText, hasSeq := strings.Cut(rest, ".")
	created, err := time.ParseInLocation(stampLayout, stamp, time.Local)
	if err != nil {
		return Entry{}, false
	}
	seq := 0
	if hasSeq {
		if seq, err = strconv.Atoi(seqText); err != nil || seq <= 0 {
			return Entry{}, false
		}
	}
	return Entry{Ref: key, Instance: instance, CreatedAt: created, Seq: seq}, true
}
