// Package classifier maps a student's free-text input to a
// (subtopic, topic, unit) triple. Cheap lexical heuristics run first;
// only text that looks like a genuine question reaches the semantic
// search backend. The student's last-known classification serves as
// the fallback whenever a heuristic fires or the search is unusable.
package classifier

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tutorchat/internal/vectorsearch"
)

// ErrNoContext means the text could not be classified and the student has no
// prior classification to fall back on.
var ErrNoContext = errors.New("no topic context available for classification")

// Classification is a resolved (subtopic, topic, unit) triple.
type Classification struct {
	SubtopicID int64
	TopicID    int64
	UnitID     int64
}

const (
	scoreMin   = 0.35
	maxResults = 3
)

var genericFollowupTokens = tokenSet(
	"seguimos", "continuemos", "continuá", "continuar", "otro", "otra",
	"ok", "dale", "si", "sí",
)

var actionVerbs = tokenSet("dame", "tomame", "haceme", "mostrame")

var actionNouns = tokenSet(
	"ejercicio", "ejercicios", "practica", "práctica",
	"examen", "ejemplo", "ejemplos", "prueba", "test",
)

var followupPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*(otro|otra|seguimos|continuemos|continuá|continuar)\b`),
	regexp.MustCompile(`(?i)^\s*(ok|dale|sí|si)\s*$`),
}

var wordPattern = regexp.MustCompile(`[a-záéíóúüñ0-9]+`)

func tokenSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// Searcher is the semantic search backend over the topic corpus.
type Searcher interface {
	Search(ctx context.Context, vectorStoreID, query string, maxResults int, filter *vectorsearch.AttributeFilter) ([]vectorsearch.Hit, error)
}

// HistoryStore yields a student's last persisted classification, or nil when
// the student has never asked anything.
type HistoryStore interface {
	LastClassification(ctx context.Context, studentID int64) (*Classification, error)
}

type Classifier struct {
	search        Searcher
	history       HistoryStore
	searchTimeout time.Duration
}

func New(search Searcher, history HistoryStore, searchTimeout time.Duration) *Classifier {
	if searchTimeout <= 0 {
		searchTimeout = 5 * time.Second
	}
	return &Classifier{search: search, history: history, searchTimeout: searchTimeout}
}

// Classify resolves text to a Classification for the given student. The
// fallback lookup starts immediately and runs concurrently with the lexical
// checks, so it adds no latency when a heuristic short-circuits.
func (c *Classifier) Classify(ctx context.Context, text, vectorStoreID string, studentID int64) (Classification, error) {
	fallbackCh := make(chan *Classification, 1)
	go func() {
		last, err := c.history.LastClassification(ctx, studentID)
		if err != nil {
			log.Warn().Err(err).Int64("student_id", studentID).
				Msg("last classification lookup failed")
			last = nil
		}
		fallbackCh <- last
	}()

	var (
		fallback     *Classification
		fallbackDone bool
	)
	awaitFallback := func(reason string) *Classification {
		if !fallbackDone {
			fallback = <-fallbackCh
			fallbackDone = true
		}
		if fallback != nil {
			log.Debug().Str("reason", reason).Int64("student_id", studentID).
				Msg("classification resolved from fallback context")
		}
		return fallback
	}

	tokens := tokenize(text)

	if len(tokens) <= 1 {
		if fb := awaitFallback("short input"); fb != nil {
			return *fb, nil
		}
	}

	if isGenericFollowup(text, tokens) {
		if fb := awaitFallback("generic follow-up"); fb != nil {
			return *fb, nil
		}
	}

	if isActionRequest(tokens) {
		if fb := awaitFallback("action request"); fb != nil {
			return *fb, nil
		}
		// An "otro ejercicio"-style request without prior context is
		// unanswerable.
		return Classification{}, ErrNoContext
	}

	searchCtx, cancel := context.WithTimeout(ctx, c.searchTimeout)
	defer cancel()

	hits, err := c.search.Search(searchCtx, vectorStoreID, text, maxResults, nil)
	if err != nil {
		log.Warn().Err(err).Msg("topic search failed, trying fallback context")
		if fb := awaitFallback("search failure"); fb != nil {
			return *fb, nil
		}
		return Classification{}, ErrNoContext
	}

	if len(hits) == 0 || hits[0].Score < scoreMin {
		if fb := awaitFallback("no usable search hits"); fb != nil {
			return *fb, nil
		}
		return Classification{}, ErrNoContext
	}

	cls, ok := classificationFromAttributes(hits[0].Attributes)
	if !ok {
		if fb := awaitFallback("invalid hit attributes"); fb != nil {
			return *fb, nil
		}
		return Classification{}, ErrNoContext
	}
	return cls, nil
}

func tokenize(text string) []string {
	return wordPattern.FindAllString(strings.ToLower(text), -1)
}

func isGenericFollowup(text string, tokens []string) bool {
	for _, p := range followupPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	if len(tokens) == 0 || len(tokens) > 3 {
		return false
	}
	for _, t := range tokens {
		if _, ok := genericFollowupTokens[t]; !ok {
			return false
		}
	}
	return true
}

func isActionRequest(tokens []string) bool {
	hasVerb, hasNoun := false, false
	for _, t := range tokens {
		if _, ok := actionVerbs[t]; ok {
			hasVerb = true
		}
		if _, ok := actionNouns[t]; ok {
			hasNoun = true
		}
	}
	if hasVerb && hasNoun {
		return true
	}
	return hasNoun && len(tokens) <= 3
}

// classificationFromAttributes pulls the identifier triple out of a search
// hit. Stores encode the ids as numbers or numeric strings; zero-valued ids
// mark a mistagged document and are rejected.
func classificationFromAttributes(attrs map[string]any) (Classification, bool) {
	subtopic, ok := attributeID(attrs, "subtopic_id")
	if !ok {
		return Classification{}, false
	}
	topic, ok := attributeID(attrs, "topic_id")
	if !ok {
		return Classification{}, false
	}
	unit, ok := attributeID(attrs, "unit_id")
	if !ok {
		return Classification{}, false
	}
	return Classification{SubtopicID: subtopic, TopicID: topic, UnitID: unit}, true
}

func attributeID(attrs map[string]any, key string) (int64, bool) {
	raw, present := attrs[key]
	if !present {
		return 0, false
	}
	var value float64
	switch v := raw.(type) {
	case float64:
		value = v
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		value = parsed
	default:
		return 0, false
	}
	id := int64(value)
	if id == 0 {
		return 0, false
	}
	return id, true
}
