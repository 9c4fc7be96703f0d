package envelope

import (
	"encoding/json"
	"strings"
	"sync"
)

// Payload is the immutable bytes and schema tags an Envelope carries.
// raw is the source of truth; Properties is a lazily parsed, cached view —
// parsing on demand keeps payload construction cheap on the hot path.
// The lazy cell is held by pointer so Payload values copy
// freely with the Envelopes that carry them, and every copy shares one
// parse.
type Payload struct {
	raw         []byte
	ContentType string
	Encoding    string
	SchemaName  string
	SchemaNS    string

	lazy *lazyProps
}

type lazyProps struct {
	mu      sync.Mutex
	parseFn func([]byte) (map[string]string, error)
	parsed  bool
	props   map[string]string
}

// NewPayload wraps raw bytes. parseFn is invoked lazily by Properties and
// its first successful result is cached; a failed parse is not cached, so
// the next call runs parseFn again. Pass nil when the schema has no structured accessor (e.g.
// opaque binary payloads).
func NewPayload(raw []byte, contentType, encoding, schemaName, schemaNS string, parseFn func([]byte) (map[string]string, error)) Payload {
	if encoding == "" {
		encoding = "UTF-8"
	}
	return Payload{
		raw:         raw,
		ContentType: contentType,
		Encoding:    encoding,
		SchemaName:  schemaName,
		SchemaNS:    schemaNS,
		lazy:        &lazyProps{parseFn: parseFn},
	}
}

// Raw returns the authoritative bytes. Callers must not mutate the
// returned slice.
func (p Payload) Raw() []byte { return p.raw }

// Properties returns the parsed, cached key/value view of the payload,
// parsing it on first access. A Payload with no parseFn returns an empty
// map and no error.
func (p Payload) Properties() (map[string]string, error) {
	if p.lazy == nil {
		return map[string]string{}, nil
	}
	l := p.lazy
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.parsed {
		return l.props, nil
	}
	if l.parseFn == nil {
		l.parsed = true
		l.props = map[string]string{}
		return l.props, nil
	}
	props, err := l.parseFn(p.raw)
	if err != nil {
		return nil, err
	}
	l.parsed = true
	l.props = props
	return props, nil
}

// Identity returns "<schema_namespace>#<schema_name>", the compound
// identifier callers use alongside BodyClassName to select a processor.
func (p Payload) Identity() string {
	ns := strings.TrimRight(p.SchemaNS, "#")
	if ns == "" {
		return p.SchemaName
	}
	return ns + "#" + p.SchemaName
}

// Size returns len(raw) without requiring the caller to slice it.
func (p Payload) Size() int { return len(p.raw) }

// payloadWire is the JSON representation used for WAL persistence. raw is
// unexported so the default encoder would silently drop it.
type payloadWire struct {
	Raw         []byte `json:"raw"`
	ContentType string `json:"content_type"`
	Encoding    string `json:"encoding"`
	SchemaName  string `json:"schema_name"`
	SchemaNS    string `json:"schema_ns"`
}

func (p Payload) MarshalJSON() ([]byte, error) {
	return json.Marshal(payloadWire{
		Raw:         p.raw,
		ContentType: p.ContentType,
		Encoding:    p.Encoding,
		SchemaName:  p.SchemaName,
		SchemaNS:    p.SchemaNS,
	})
}

// UnmarshalJSON restores a Payload with no parseFn; callers that need a
// structured Properties() view must re-attach one after decoding.
func (p *Payload) UnmarshalJSON(b []byte) error {
	var w payloadWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*p = NewPayload(w.Raw, w.ContentType, w.Encoding, w.SchemaName, w.SchemaNS, nil)
	return nil
}
