package router

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"sync/atomic"
)

// ModelRef identifies one (channel, model) pair in the index.
type ModelRef struct {
	ChannelID string `json:"channel_id"`
	ModelID   string `json:"model_id"`
}

func (r ModelRef) less(o ModelRef) bool {
	if r.ChannelID != o.ChannelID {
		return r.ChannelID < o.ChannelID
	}

	return r.ModelID < o.ModelID
}

// IndexStats is the introspection snapshot of the tag index.
type IndexStats struct {
	TotalTags      int            `json:"total_tags"`
	TotalModels    int            `json:"total_models"`
	TagFrequencies map[string]int `json:"tag_frequencies"`
}

// indexSnapshot is an immutable view of the inverted index. Readers load it
// atomically so the request path never blocks on the discovery writer.
type indexSnapshot struct {
	postings map[string]map[ModelRef]struct{} // tag -> models carrying it
	models   map[ModelRef][]string            // model -> its tags
	hash     string                           // content hash of the catalog
}

func emptySnapshot() *indexSnapshot {
	return &indexSnapshot{
		postings: map[string]map[ModelRef]struct{}{},
		models:   map[ModelRef][]string{},
	}
}

// Index is the in-memory inverted tag index. Writes follow a single-writer
// discipline (the discovery loop); reads are lock-free via copy-on-write
// snapshots.
type Index struct {
	writeMu sync.Mutex
	snap    atomic.Pointer[indexSnapshot]
}

func NewIndex() *Index {
	idx := &Index{}
	idx.snap.Store(emptySnapshot())

	return idx
}

// Add registers a model under its extracted tags plus the given extra tags
// (the owning channel's tags). Idempotent: re-adding the same reference
// replaces its postings.
func (idx *Index) Add(channelID, modelID string, extraTags ...string) {
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	next := idx.cloneLocked()
	addRef(next, ModelRef{ChannelID: channelID, ModelID: modelID}, modelID, extraTags)
	idx.snap.Store(next)
}

// Rebuild replaces the whole index from a model catalog. The snapshot is
// content-addressed: when the catalog hash is unchanged the rebuild is a
// no-op.
func (idx *Index) Rebuild(refs []ModelRef, channelTags map[string][]string) {
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	h := catalogHash(refs)
	if idx.snap.Load().hash == h {
		return
	}

	next := emptySnapshot()
	next.hash = h
	for _, ref := range refs {
		addRef(next, ref, ref.ModelID, channelTags[ref.ChannelID])
	}

	idx.snap.Store(next)
}

func (idx *Index) cloneLocked() *indexSnapshot {
	cur := idx.snap.Load()
	next := &indexSnapshot{
		postings: make(map[string]map[ModelRef]struct{}, len(cur.postings)),
		models:   make(map[ModelRef][]string, len(cur.models)),
	}

	for tag, refs := range cur.postings {
		cp := make(map[ModelRef]struct{}, len(refs))
		for r := range refs {
			cp[r] = struct{}{}
		}
		next.postings[tag] = cp
	}
	for ref, tags := range cur.models {
		next.models[ref] = tags
	}

	return next
}

func addRef(snap *indexSnapshot, ref ModelRef, modelID string, extraTags []string) {
	tags := ExtractTags(modelID)
	for _, t := range extraTags {
		tags = append(tags, ExtractTags(t)...)
	}
	tags = dedupTags(tags)

	if old, ok := snap.models[ref]; ok {
		for _, t := range old {
			if set := snap.postings[t]; set != nil {
				delete(set, ref)
				if len(set) == 0 {
					delete(snap.postings, t)
				}
			}
		}
	}

	snap.models[ref] = tags
	for _, t := range tags {
		set := snap.postings[t]
		if set == nil {
			set = map[ModelRef]struct{}{}
			snap.postings[t] = set
		}
		set[ref] = struct{}{}
	}
}

// Find returns models carrying all positive tags and none of the negative
// tags. Positive tags are intersected most-selective-first with early
// termination; the result is ordered by reference (channel id, then model
// id).
//
// With no positive tags the whole corpus minus the negative union is
// returned.
func (idx *Index) Find(positive, negative []string) []ModelRef {
	snap := idx.snap.Load()

	var working map[ModelRef]struct{}

	if len(positive) == 0 {
		working = make(map[ModelRef]struct{}, len(snap.models))
		for ref := range snap.models {
			working[ref] = struct{}{}
		}
	} else {
		// Most selective tag first.
		ordered := make([]string, len(positive))
		copy(ordered, positive)
		sort.Slice(ordered, func(i, j int) bool {
			fi, fj := len(snap.postings[ordered[i]]), len(snap.postings[ordered[j]])
			if fi != fj {
				return fi < fj
			}

			return ordered[i] < ordered[j]
		})

		base, ok := snap.postings[ordered[0]]
		if !ok {
			return nil
		}

		working = make(map[ModelRef]struct{}, len(base))
		for ref := range base {
			working[ref] = struct{}{}
		}

		for _, tag := range ordered[1:] {
			posting, ok := snap.postings[tag]
			if !ok {
				return nil
			}

			for ref := range working {
				if _, ok := posting[ref]; !ok {
					delete(working, ref)
				}
			}

			if len(working) == 0 {
				return nil
			}
		}
	}

	for _, tag := range negative {
		for ref := range snap.postings[tag] {
			delete(working, ref)
		}
	}

	out := make([]ModelRef, 0, len(working))
	for ref := range working {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].less(out[j]) })

	return out
}

// Tags returns the indexed tags of one model reference.
func (idx *Index) Tags(ref ModelRef) []string {
	return idx.snap.Load().models[ref]
}

// Stats returns the current index statistics.
func (idx *Index) Stats() IndexStats {
	snap := idx.snap.Load()

	freq := make(map[string]int, len(snap.postings))
	for tag, refs := range snap.postings {
		freq[tag] = len(refs)
	}

	return IndexStats{
		TotalTags:      len(snap.postings),
		TotalModels:    len(snap.models),
		TagFrequencies: freq,
	}
}

func dedupTags(tags []string) []string {
	set := make(map[string]struct{}, len(tags))
	out := tags[:0]
	for _, t := range tags {
		if _, ok := set[t]; ok {
			continue
		}
		set[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)

	return out
}

func catalogHash(refs []ModelRef) string {
	sorted := make([]ModelRef, len(refs))
	copy(sorted, refs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].less(sorted[j]) })

	h := sha256.New()
	for _, ref := range sorted {
		h.Write([]byte(ref.ChannelID))
		h.Write([]byte{0})
		h.Write([]byte(ref.ModelID))
		h.Write([]byte{0})
	}

	return hex.EncodeToString(h.Sum(nil))
}
