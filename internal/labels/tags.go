package labels

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"sync"

	"github.com/rotisserie/eris"
)

// tagRegistryKey is the settings-store key under which the id → decoded-name
// mapping is persisted, per §5 "tag registry".
const tagRegistryKey = "tag-registry"

// kv is the minimal settings.Store surface TagStore needs; defined locally
// to avoid an import cycle (settings does not depend on labels).
type kv interface {
	Get(ctx context.Context, key string, out any) (bool, error)
	Put(ctx context.Context, key string, value any) error
}

// TagStore is the production Resolver: it assigns a stable id for every
// unrecognized Gmail label name and persists the mapping in the settings
// mailbox so the same label always maps to the same local tag across runs.
type TagStore struct {
	kv kv

	mu       sync.Mutex
	loaded   bool
	byName   map[string]string // decoded name -> tag id
	byID     map[string]string // tag id -> decoded name
}

// registryDoc is the JSON shape persisted at tagRegistryKey.
type registryDoc struct {
	Entries map[string]string `json:"entries"` // tag id -> decoded name
}

// NewTagStore returns a TagStore backed by store.
func NewTagStore(store kv) *TagStore {
	return &TagStore{kv: store, byName: map[string]string{}, byID: map[string]string{}}
}

func (t *TagStore) ensureLoaded(ctx context.Context) error {
	if t.loaded {
		return nil
	}
	var doc registryDoc
	found, err := t.kv.Get(ctx, tagRegistryKey, &doc)
	if err != nil {
		return eris.Wrap(err, "load tag registry")
	}
	if found {
		for id, name := range doc.Entries {
			t.byID[id] = name
			t.byName[name] = id
		}
	}
	t.loaded = true
	return nil
}

// ResolveLabel implements Resolver. It is safe to call without a pre-loaded
// context on every call; the registry is lazily loaded once and cached.
func (t *TagStore) ResolveLabel(decodedName string) (string, error) {
	ctx := context.Background()
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureLoaded(ctx); err != nil {
		return "", err
	}
	if id, ok := t.byName[decodedName]; ok {
		return id, nil
	}

	id := tagID(decodedName)
	t.byName[decodedName] = id
	t.byID[id] = decodedName
	if err := t.persist(ctx); err != nil {
		return "", err
	}
	return id, nil
}

// ReverseLabel implements Resolver.
func (t *TagStore) ReverseLabel(id string) (string, bool) {
	ctx := context.Background()
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureLoaded(ctx); err != nil {
		return "", false
	}
	name, ok := t.byID[id]
	return name, ok
}

func (t *TagStore) persist(ctx context.Context) error {
	doc := registryDoc{Entries: make(map[string]string, len(t.byID))}
	for id, name := range t.byID {
		doc.Entries[id] = name
	}
	return eris.Wrap(t.kv.Put(ctx, tagRegistryKey, doc), "persist tag registry")
}

// tagID derives a stable, filesystem/header-safe local tag id from a
// decoded label name: "#tag-" followed by the first 12 hex digits of the
// name's SHA-1, so unrelated
// labels never collide and the id never depends on label ordering.
func tagID(decodedName string) string {
	sum := sha1.Sum([]byte(decodedName))
	return "#tag-" + hex.EncodeToString(sum[:])[:12]
}
