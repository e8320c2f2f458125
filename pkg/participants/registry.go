package participants

import (
	"errors"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/juru/pkg/lang"
	"github.com/harunnryd/juru/pkg/logging"
)

// ErrAgent is returned when an identity belongs to a relay agent.
var ErrAgent = errors.New("identity belongs to an agent")

const DefaultAgentPattern = `(?i)agent`

type Participant struct {
	Identity    string
	DisplayName string
	Speaks      string
	Hears       string
	JoinedAt    time.Time
}

type Options struct {
	// Self is the relay's own identity; always treated as an agent.
	Self string
	// AgentPattern matches identities to exclude. Empty uses DefaultAgentPattern.
	AgentPattern string
	Supported    lang.Set
	Logger       *slog.Logger
}

// Registry owns participant language preferences and the active-speaker pointer.
type Registry struct {
	mu           sync.RWMutex
	participants map[string]Participant
	active       string

	self      string
	agentRe   *regexp.Regexp
	supported lang.Set
	onRemove  []func(identity string)
	log       *slog.Logger
	now       func() time.Time
}

func NewRegistry(opts Options) (*Registry, error) {
	pattern := opts.AgentPattern
	if strings.TrimSpace(pattern) == "" {
		pattern = DefaultAgentPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	supported := opts.Supported
	if len(supported) == 0 {
		supported = lang.NewSet("en", "ar")
	}
	base := opts.Logger
	if base == nil {
		base = slog.Default()
	}
	return &Registry{
		participants: make(map[string]Participant),
		self:         opts.Self,
		agentRe:      re,
		supported:    supported,
		log:          logging.NewComponentLogger(base, "participants"),
		now:          time.Now,
	}, nil
}

// OnRemove registers a hook invoked after a participant is removed.
func (r *Registry) OnRemove(fn func(identity string)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.onRemove = append(r.onRemove, fn)
	r.mu.Unlock()
}

func (r *Registry) IsAgent(identity string) bool {
	if identity == "" {
		return false
	}
	if r.self != "" && identity == r.self {
		return true
	}
	return strings.HasPrefix(identity, "agent-") || r.agentRe.MatchString(identity)
}

// Upsert parses metadata and tracks the participant. Invalid metadata leaves
// the participant untracked (an existing entry is kept unchanged).
func (r *Registry) Upsert(identity, name, metadata string) (Participant, error) {
	if r.IsAgent(identity) {
		return Participant{}, ErrAgent
	}
	md, err := ParseMetadata(metadata, r.supported)
	if err != nil {
		r.log.Warn("participant_metadata_invalid",
			slog.String("participant", identity),
			slog.String("error", err.Error()))
		return Participant{}, err
	}
	display := md.DisplayName
	if display == "" {
		display = strings.TrimSpace(name)
	}
	if display == "" {
		display = identity
	}

	r.mu.Lock()
	p, existed := r.participants[identity]
	if !existed {
		p.JoinedAt = r.now()
	}
	p.Identity = identity
	p.DisplayName = display
	p.Speaks = md.SpeaksLanguage
	p.Hears = md.HearsLanguage
	r.participants[identity] = p
	r.mu.Unlock()

	r.log.Info("participant_tracked",
		slog.String("participant", identity),
		slog.String("display_name", display),
		slog.String("speaks", p.Speaks),
		slog.String("hears", p.Hears),
		slog.Bool("updated", existed))
	return p, nil
}

// Remove forgets a participant and runs removal hooks. Returns false when the
// identity was not tracked; hooks still run so in-flight state is released.
func (r *Registry) Remove(identity string) bool {
	r.mu.Lock()
	_, ok := r.participants[identity]
	delete(r.participants, identity)
	if r.active == identity {
		r.active = ""
	}
	hooks := append([]func(string){}, r.onRemove...)
	r.mu.Unlock()

	for _, fn := range hooks {
		fn(identity)
	}
	if ok {
		r.log.Info("participant_removed", slog.String("participant", identity))
	}
	return ok
}

func (r *Registry) Get(identity string) (Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[identity]
	return p, ok
}

// List returns all tracked participants sorted by identity.
func (r *Registry) List() []Participant {
	r.mu.RLock()
	out := make([]Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// Listeners returns every tracked participant except speaker.
func (r *Registry) Listeners(speaker string) []Participant {
	all := r.List()
	out := all[:0]
	for _, p := range all {
		if p.Identity != speaker {
			out = append(out, p)
		}
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

// SetActiveSpeaker moves the pointer; returns false when it was already set.
func (r *Registry) SetActiveSpeaker(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == identity {
		return false
	}
	r.active = identity
	return true
}

func (r *Registry) ActiveSpeaker() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// SelectActiveSpeaker picks the first non-agent identity from a speaker list.
// Ties among simultaneous speakers resolve to the transport's ordering.
func (r *Registry) SelectActiveSpeaker(identities []string) (string, bool) {
	for _, id := range identities {
		if id == "" || r.IsAgent(id) {
			continue
		}
		return id, true
	}
	return "", false
}
