// Package retrieval implements the Retriever: ranking and lane selection
// over the Lesson Store for a given query context (spec 4.3).
package retrieval

import (
	"math"
	"sort"
	"time"

	"github.com/artemgetmann/cortex/internal/lesson"
	"github.com/artemgetmann/cortex/internal/textutil"
	"github.com/artemgetmann/cortex/pkg/models"
)

// TransferPolicy controls when the cross-domain transfer lane fires.
type TransferPolicy string

const (
	TransferOff    TransferPolicy = "off"
	TransferAuto   TransferPolicy = "auto"
	TransferAlways TransferPolicy = "always"
)

// Weights are the ranking formula's coefficients (spec 4.3).
const (
	WeightFingerprintMatch = 0.40
	WeightTagOverlap       = 0.25
	WeightTextSimilarity   = 0.20
	WeightReliability      = 0.10
	WeightRecency          = 0.05

	TransferScoreMultiplier = 0.6
	HighConfidenceThreshold = 0.5

	RecencyHalfLife = 14 * 24 * time.Hour

	MaxPerPriorSession = 2
	MaxSharingTag      = 3

	DefaultPrerunTopK  = 10
	DefaultOnErrorTopM = 2
	DefaultTransferPrerunCap  = 2
	DefaultTransferErrorCap   = 1
)

// Config parameterizes a Retriever instance; zero-value Config fills in
// spec defaults via WithDefaults.
type Config struct {
	TransferPolicy     TransferPolicy
	PrerunTopK         int
	OnErrorTopM        int
	TransferPrerunCap  int
	TransferErrorCap   int
}

// WithDefaults returns a copy of c with zero fields set to spec defaults.
func (c Config) WithDefaults() Config {
	if c.TransferPolicy == "" {
		c.TransferPolicy = TransferAuto
	}
	if c.PrerunTopK == 0 {
		c.PrerunTopK = DefaultPrerunTopK
	}
	if c.OnErrorTopM == 0 {
		c.OnErrorTopM = DefaultOnErrorTopM
	}
	if c.TransferPrerunCap == 0 {
		c.TransferPrerunCap = DefaultTransferPrerunCap
	}
	if c.TransferErrorCap == 0 {
		c.TransferErrorCap = DefaultTransferErrorCap
	}
	return c
}

// Retriever ranks and selects lessons from a *lesson.Store for a query
// context, per the strict/transfer lane design in spec 4.3.
type Retriever struct {
	store  *lesson.Store
	config Config
	now    func() time.Time
}

// New builds a Retriever over store.
func New(store *lesson.Store, config Config) *Retriever {
	return &Retriever{store: store, config: config.WithDefaults(), now: time.Now}
}

// Query is the shared scoring context for both retrieval points.
type Query struct {
	DomainKey      string
	TaskText       string
	Fingerprint    string
	Tags           []string
	RecentErrorText string

	// PriorSessionOf maps lesson id -> source session id, used to enforce
	// the "<=2 lessons per prior session" cap across the candidate pool.
}

// Scored is one ranked lesson with its component scores, useful for
// observability (lesson ids are surfaced in the prompt per spec 4.3).
type Scored struct {
	Lesson *models.Lesson
	Score  float64
	Lane   string // "strict" or "transfer"
}

// Prerun returns the top-K lessons for the pre-run retrieval point (spec
// 4.3 "Pre-run").
func (r *Retriever) Prerun(q Query) []Scored {
	queryText := q.TaskText
	return r.retrieve(q, queryText, r.config.PrerunTopK, r.config.TransferPrerunCap)
}

// OnError returns the top-M lessons for the on-error retrieval point (spec
// 4.3 "On-error").
func (r *Retriever) OnError(q Query) []Scored {
	queryText := q.RecentErrorText
	return r.retrieve(q, queryText, r.config.OnErrorTopM, r.config.TransferErrorCap)
}

func (r *Retriever) retrieve(q Query, queryText string, topN, transferCap int) []Scored {
	strict := r.scoreLane(q, queryText, q.DomainKey, 1.0)
	sort.Slice(strict, func(i, j int) bool { return strict[i].Score > strict[j].Score })

	var transfer []Scored
	if r.shouldUseTransfer(q, strict) {
		transfer = r.scoreLane(q, queryText, "", TransferScoreMultiplier)
		// Exclude strict-domain lessons from the transfer lane.
		transfer = filterOutDomain(transfer, q.DomainKey)
		sort.Slice(transfer, func(i, j int) bool { return transfer[i].Score > transfer[j].Score })
		if len(transfer) > transferCap {
			transfer = transfer[:transferCap]
		}
		for i := range transfer {
			transfer[i].Lane = "transfer"
		}
	}

	merged := append(strict, transfer...)
	merged = resolveConflicts(merged)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	merged = applyCaps(merged, topN)

	for _, s := range merged {
		r.store.Touch(s.Lesson.ID)
	}
	return merged
}

func (r *Retriever) shouldUseTransfer(q Query, strict []Scored) bool {
	switch r.config.TransferPolicy {
	case TransferOff:
		return false
	case TransferAlways:
		return true
	default: // auto
		highConfidenceHits := 0
		for _, s := range strict {
			if s.Score >= HighConfidenceThreshold {
				highConfidenceHits++
			}
		}
		return highConfidenceHits < 1
	}
}

func (r *Retriever) scoreLane(q Query, queryText, domainKey string, multiplier float64) []Scored {
	var filter lesson.Filter
	if domainKey != "" {
		filter.DomainKey = domainKey
	}
	var out []Scored
	for _, l := range r.store.Iter(filter) {
		if !l.Retrievable() {
			continue
		}
		score := r.score(l, q, queryText) * multiplier
		out = append(out, Scored{Lesson: l, Score: score, Lane: "strict"})
	}
	return out
}

func (r *Retriever) score(l *models.Lesson, q Query, queryText string) float64 {
	fpMatch := fingerprintMatch(l.TriggerFingerprints, q.Fingerprint)
	tagOverlap := textutil.JaccardStrings(l.Tags(), q.Tags)
	textSim := textutil.JaccardText(l.RuleText, queryText)
	reliability := (float64(l.HelpfulCount) + 1) / (float64(l.HelpfulCount) + float64(l.HarmfulCount) + 2)
	recency := recencyScore(l.UpdatedAt, r.now())

	return WeightFingerprintMatch*fpMatch +
		WeightTagOverlap*tagOverlap +
		WeightTextSimilarity*textSim +
		WeightReliability*reliability +
		WeightRecency*recency
}

func fingerprintMatch(triggers []string, queryFP string) float64 {
	if queryFP == "" {
		return 0
	}
	for _, t := range triggers {
		if t == queryFP {
			return 1
		}
		if isPrefixMatch(t, queryFP) {
			return 0.5
		}
	}
	return 0
}

func isPrefixMatch(a, b string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	shorter, longer := a, b
	if len(b) < len(a) {
		shorter, longer = b, a
	}
	const minPrefixLen = 6 // avoid spurious matches on very short fragments
	return len(shorter) >= minPrefixLen && len(longer) >= len(shorter) && longer[:len(shorter)] == shorter
}

func recencyScore(updatedAt, now time.Time) float64 {
	if updatedAt.IsZero() {
		return 0
	}
	age := now.Sub(updatedAt)
	if age < 0 {
		age = 0
	}
	halfLives := float64(age) / float64(RecencyHalfLife)
	return math.Pow(0.5, halfLives)
}

// resolveConflicts drops the lower-reliability side of any conflict pair
// both present in the candidate set (spec 4.3 "Conflict resolution before
// return").
func resolveConflicts(in []Scored) []Scored {
	byID := make(map[string]*Scored, len(in))
	for i := range in {
		byID[in[i].Lesson.ID] = &in[i]
	}
	dropped := make(map[string]bool)
	for _, s := range in {
		for _, conflictID := range s.Lesson.ConflictsWith {
			other, ok := byID[conflictID]
			if !ok || dropped[conflictID] || dropped[s.Lesson.ID] {
				continue
			}
			if s.Lesson.Reliability >= other.Lesson.Reliability {
				dropped[conflictID] = true
			} else {
				dropped[s.Lesson.ID] = true
			}
		}
	}
	out := make([]Scored, 0, len(in))
	for _, s := range in {
		if !dropped[s.Lesson.ID] {
			out = append(out, s)
		}
	}
	return out
}

// applyCaps enforces the per-prior-session and per-tag hard caps (spec 4.3
// "Guards") plus the overall topN limit.
func applyCaps(in []Scored, topN int) []Scored {
	perSession := make(map[string]int)
	perTag := make(map[string]int)
	out := make([]Scored, 0, topN)

	for _, s := range in {
		if len(out) >= topN {
			break
		}
		if perSession[s.Lesson.SourceSessionID] >= MaxPerPriorSession {
			continue
		}
		blockedByTag := false
		for _, tag := range s.Lesson.Tags() {
			if perTag[tag] >= MaxSharingTag {
				blockedByTag = true
				break
			}
		}
		if blockedByTag {
			continue
		}
		out = append(out, s)
		perSession[s.Lesson.SourceSessionID]++
		for _, tag := range s.Lesson.Tags() {
			perTag[tag]++
		}
	}
	return out
}

func filterOutDomain(in []Scored, domainKey string) []Scored {
	out := in[:0:0]
	for _, s := range in {
		if s.Lesson.DomainKey != domainKey {
			out = append(out, s)
		}
	}
	return out
}
