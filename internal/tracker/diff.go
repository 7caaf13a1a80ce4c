package tracker

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/ruvnet/presence/internal/presencecrdt"
)

// newRef generates a phx_ref: a base64-encoded random 64-bit value.
// Deliberately crypto/rand rather than google/uuid: a ref is a short
// opaque nonce embedded in every presence's meta on every heartbeat, not
// a globally-registered resource identifier, so a 64-bit value is both
// sufficient and a good deal cheaper to generate and wire than a 128-bit
// UUID at this call frequency.
func newRef() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("tracker: crypto/rand unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b[:])
}

// withRef returns a copy of meta with phx_ref set to ref and, if prevRef
// is non-empty, phx_ref_prev set to prevRef.
func withRef(meta map[string]any, ref, prevRef string) map[string]any {
	out := make(map[string]any, len(meta)+2)
	for k, v := range meta {
		out[k] = v
	}
	out["phx_ref"] = ref
	if prevRef != "" {
		out["phx_ref_prev"] = prevRef
	}
	return out
}

// KeyMeta is one (key, meta) pair as surfaced by List and by diffs.
type KeyMeta struct {
	Key  string
	Meta map[string]any
}

// TopicDiff is one topic's joins/leaves pair.
type TopicDiff struct {
	Joins  []KeyMeta
	Leaves []KeyMeta
}

func (d TopicDiff) empty() bool { return len(d.Joins) == 0 && len(d.Leaves) == 0 }

// Diff is the full per-topic mapping passed to a Handler. Empty-diff
// calls are suppressed before a Handler ever sees them.
type Diff map[string]TopicDiff

// groupDiff buckets a CRDT-level presencecrdt.Diff into per-topic
// Joins/Leaves, dropping topics that end up empty.
func groupDiff(raw presencecrdt.Diff) Diff {
	out := make(Diff)
	for _, e := range raw.Joined {
		td := out[e.ID.Topic]
		td.Joins = append(td.Joins, KeyMeta{Key: e.ID.Key, Meta: e.Meta})
		out[e.ID.Topic] = td
	}
	for _, e := range raw.Left {
		td := out[e.ID.Topic]
		td.Leaves = append(td.Leaves, KeyMeta{Key: e.ID.Key, Meta: e.Meta})
		out[e.ID.Topic] = td
	}
	for topic, td := range out {
		if td.empty() {
			delete(out, topic)
		}
	}
	return out
}
