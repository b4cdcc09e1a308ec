package reconcile

import (
	"cmp"
	"encoding/hex"
	"slices"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// SectionMeetings is a section's registry meetings, eligible and ineligible alike.
type SectionMeetings struct {
	SectionID string
	Meetings  []MeetingPattern
}

// SectionMeetingsOf collects the meetings of each course.
func SectionMeetingsOf(courses []Course) []SectionMeetings {
	out := make([]SectionMeetings, 0, len(courses))
	for _, c := range courses {
		if c.Deleted {
			continue
		}
		meetings := make([]MeetingPattern, 0, len(c.EligibleMeetings)+len(c.IneligibleMeetings))
		meetings = append(meetings, c.EligibleMeetings...)
		meetings = append(meetings, c.IneligibleMeetings...)
		out = append(out, SectionMeetings{SectionID: c.SectionID, Meetings: meetings})
	}
	return out
}

// MeetingSignature digests a set of meetings independent of their order.
// Sections with identical signatures meet in the same room at the same times.
func MeetingSignature(meetings []MeetingPattern) string {
	parts := make([]string, 0, len(meetings))
	for _, m := range meetings {
		parts = append(parts, strings.Join([]string{
			m.Days.String(),
			formatDate(m.StartDate),
			formatDate(m.EndDate),
			m.StartTime.String(),
			m.EndTime.String(),
			m.Room,
		}, "|"))
	}
	slices.Sort(parts)
	sum := blake2b.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])
}

// ResolveCrossListings groups sections of a term that share a meeting
// signature. Within a group, sections are ordered by id and the first becomes
// the canonical section. Sections with no meetings are never cross-listed.
// Only groups with more than one section are returned, ordered by signature.
func ResolveCrossListings(termID string, sections []SectionMeetings) []CrossListing {
	type keyed struct {
		signature string
		sectionID string
	}
	rows := make([]keyed, 0, len(sections))
	seen := make(map[string]struct{}, len(sections))
	for _, s := range sections {
		if len(s.Meetings) == 0 {
			continue
		}
		if _, dup := seen[s.SectionID]; dup {
			continue
		}
		seen[s.SectionID] = struct{}{}
		rows = append(rows, keyed{signature: MeetingSignature(s.Meetings), sectionID: s.SectionID})
	}
	slices.SortFunc(rows, func(a, b keyed) int {
		if c := cmp.Compare(a.signature, b.signature); c != 0 {
			return c
		}
		return cmp.Compare(a.sectionID, b.sectionID)
	})

	var listings []CrossListing
	for i := 0; i < len(rows); {
		j := i + 1
		for j < len(rows) && rows[j].signature == rows[i].signature {
			j++
		}
		if j-i > 1 {
			others := make([]string, 0, j-i-1)
			for _, r := range rows[i+1 : j] {
				others = append(others, r.sectionID)
			}
			listings = append(listings, CrossListing{
				TermID:         termID,
				SectionID:      rows[i].sectionID,
				CrossListedIDs: others,
				Signature:      rows[i].signature,
			})
		}
		i = j
	}
	return listings
}

// CrossListIndex answers canonical-section questions for one term.
type CrossListIndex struct {
	canonical map[string]string
	members   map[string][]string
}

// NewCrossListIndex indexes persisted cross-listings.
func NewCrossListIndex(listings []CrossListing) CrossListIndex {
	idx := CrossListIndex{
		canonical: make(map[string]string),
		members:   make(map[string][]string),
	}
	for _, l := range listings {
		group := append([]string{l.SectionID}, l.CrossListedIDs...)
		for _, id := range group {
			idx.canonical[id] = l.SectionID
		}
		idx.members[l.SectionID] = group
	}
	return idx
}

// Canonical returns the principal section for sectionID.
func (x CrossListIndex) Canonical(sectionID string) string {
	if c, ok := x.canonical[sectionID]; ok {
		return c
	}
	return sectionID
}

// IsPrincipal reports whether sectionID is diffed independently.
func (x CrossListIndex) IsPrincipal(sectionID string) bool {
	return x.Canonical(sectionID) == sectionID
}

// Members returns the canonical section followed by its cross-listed sections.
func (x CrossListIndex) Members(sectionID string) []string {
	if group, ok := x.members[x.Canonical(sectionID)]; ok {
		return slices.Clone(group)
	}
	return []string{sectionID}
}

// MergePreferences resolves the canonical preferences of a cross-listed set.
// The canonical section's choices win; gaps are filled from the other members
// in order. The set counts as opted out when any member opted out.
func MergePreferences(canonicalID string, prefs []Preferences) *Preferences {
	if len(prefs) == 0 {
		return nil
	}
	ordered := slices.Clone(prefs)
	slices.SortStableFunc(ordered, func(a, b Preferences) int {
		switch {
		case a.SectionID == canonicalID && b.SectionID != canonicalID:
			return -1
		case b.SectionID == canonicalID && a.SectionID != canonicalID:
			return 1
		}
		return cmp.Compare(a.SectionID, b.SectionID)
	})
	merged := Preferences{TermID: ordered[0].TermID, SectionID: canonicalID}
	for _, p := range ordered {
		if !merged.PublishType.Valid() && p.PublishType.Valid() {
			merged.PublishType = p.PublishType
		}
		if !merged.RecordingType.Valid() && p.RecordingType.Valid() {
			merged.RecordingType = p.RecordingType
		}
		if p.OptedOut {
			merged.OptedOut = true
		}
		if p.UpdatedAt.After(merged.UpdatedAt) {
			merged.UpdatedAt = p.UpdatedAt
		}
	}
	return &merged
}
