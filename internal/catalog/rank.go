package catalog

import (
	"path"
	"sort"
	"strings"
)

// Name boosts multiply the text score of a hit whose file name the query names.
const (
	exactNameBoost   = 2.0
	joinedNameBoost  = 1.9
	phraseNameBoost  = 1.0
	typoNameBoost    = 0.5
	maxNameTypoEdits = 2
)

// stem lowercases a file name and drops its extension.
func stem(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, path.Ext(name)))
}

// normalizeName turns separators into single spaces.
func normalizeName(s string) string {
	return strings.Join(strings.Fields(searchable(strings.ToLower(s))), " ")
}

// nameBoost scores how closely q names a file with the given stem. An exact
// match ranks above one that differs only by separators, which ranks above a
// contained phrase and then a near miss within maxNameTypoEdits.
func nameBoost(q, fileStem string) float64 {
	query := normalizeName(q)
	name := normalizeName(fileStem)
	if query == "" || name == "" {
		return 0
	}
	if query == name {
		return exactNameBoost
	}
	queryJoined := strings.ReplaceAll(query, " ", "")
	nameJoined := strings.ReplaceAll(name, " ", "")
	if queryJoined == nameJoined {
		return joinedNameBoost
	}
	if strings.Contains(" "+name+" ", " "+query+" ") {
		return phraseNameBoost
	}
	if LevenshteinDistance(queryJoined, nameJoined) <= maxNameTypoEdits {
		return typoNameBoost
	}
	return 0
}

// rerank reorders hits by text score scaled by name closeness. Ties keep the
// text order.
func rerank(q string, hits []Hit, stems map[uint64]string) {
	for i := range hits {
		hits[i].Score *= 1 + nameBoost(q, stems[hits[i].ID])
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
}
