package delegation

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"ankie/internal/domain"
)

// Keyword weights. Ids, names and tags are deliberate vocabulary; words
// lifted from a description are weaker evidence.
const (
	weightTag         = 1.0
	weightDescription = 0.5
)

var wordRE = regexp.MustCompile(`[\p{L}\p{N}]+`)

var stopwords = map[string]bool{
	"and": true, "the": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "your": true, "user": true, "users": true,
	"specialist": true, "agent": true, "their": true, "them": true,
}

// keywordIndex maps each agent to its weighted vocabulary.
type keywordIndex struct {
	agents []indexedAgent
}

type indexedAgent struct {
	id       string
	keywords map[string]float64
	// stems are the keywords long enough for prefix matching, longest
	// first so the most specific keyword wins.
	stems []string
}

func buildIndex(agents []domain.AgentConfig) keywordIndex {
	idx := keywordIndex{agents: make([]indexedAgent, 0, len(agents))}
	for _, a := range agents {
		kw := make(map[string]float64)
		add := func(word string, w float64) {
			word = strings.ToLower(word)
			if len(word) < 3 || stopwords[word] {
				return
			}
			if kw[word] < w {
				kw[word] = w
			}
		}
		add(a.ID, weightTag)
		add(a.Name, weightTag)
		for _, t := range a.Tags {
			add(t, weightTag)
		}
		for _, w := range wordRE.FindAllString(a.Description, -1) {
			if len(w) >= 4 {
				add(w, weightDescription)
			}
		}
		var stems []string
		for word := range kw {
			if len(word) >= 4 {
				stems = append(stems, word)
			}
		}
		sort.Slice(stems, func(i, j int) bool {
			if len(stems[i]) != len(stems[j]) {
				return len(stems[i]) > len(stems[j])
			}
			return stems[i] < stems[j]
		})
		idx.agents = append(idx.agents, indexedAgent{id: a.ID, keywords: kw, stems: stems})
	}
	sort.Slice(idx.agents, func(i, j int) bool { return idx.agents[i].id < idx.agents[j].id })
	return idx
}

// score returns the best-matching agent for text, or nil when no keyword hits.
// Ties go to the agent whose first keyword appears earliest in the text.
func (idx keywordIndex) score(text string) *domain.HeuristicMatch {
	words := wordRE.FindAllString(strings.ToLower(text), -1)

	var (
		best      *domain.HeuristicMatch
		bestScore float64
		bestFirst int
	)
	for _, a := range idx.agents {
		var (
			total   float64
			first   = len(words)
			matched []string
			seen    = make(map[string]bool)
		)
		for pos, w := range words {
			kw, weight, ok := a.match(w)
			if !ok || seen[kw] {
				continue
			}
			seen[kw] = true
			total += weight
			matched = append(matched, kw)
			first = min(first, pos)
		}
		if total == 0 {
			continue
		}
		if best == nil || total > bestScore || (total == bestScore && first < bestFirst) {
			best = &domain.HeuristicMatch{AgentID: a.id, Confidence: confidence(total), Keywords: matched}
			bestScore, bestFirst = total, first
		}
	}
	return best
}

// match accepts the keyword itself or a short inflection of it
// ("meetings", "scheduled").
func (a indexedAgent) match(word string) (string, float64, bool) {
	if w, ok := a.keywords[word]; ok {
		return word, w, true
	}
	for _, kw := range a.stems {
		if strings.HasPrefix(word, kw) && len(word)-len(kw) <= 3 {
			return kw, a.keywords[kw], true
		}
	}
	return "", 0, false
}

// confidence maps a weighted hit count onto [0,1): one tag hit is 0.6, two
// are 0.84, three are about 0.94.
func confidence(score float64) float64 {
	return 1 - math.Pow(0.4, score)
}
