package memory

import (
	"fmt"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/example/capture-scheduler/internal/reconcile"
)

const (
	tableRecordings   = "recordings"
	tableChanges      = "changes"
	tableApprovals    = "approvals"
	tableCrossListing = "crosslistings"
	tablePreferences  = "preferences"

	indexID      = "id"
	indexSection = "section"
	indexTerm    = "term"
	indexActive  = "active"
)

// changeRow carries the insertion sequence next to the record so listings
// keep insertion order.
type changeRow struct {
	ID        string
	TermID    string
	SectionID string
	Seq       uint64
	Record    reconcile.ChangeRecord
}

func sectionIndex() *memdb.IndexSchema {
	return &memdb.IndexSchema{
		Name: indexSection,
		Indexer: &memdb.CompoundIndex{
			Indexes: []memdb.Indexer{
				&memdb.StringFieldIndex{Field: "TermID"},
				&memdb.StringFieldIndex{Field: "SectionID"},
			},
		},
	}
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableRecordings: {
				Name: tableRecordings,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:    indexID,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					indexSection: sectionIndex(),
					indexActive: {
						Name:         indexActive,
						Unique:       true,
						AllowMissing: true,
						Indexer:      activeRecordingIndexer{},
					},
				},
			},
			tableChanges: {
				Name: tableChanges,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:    indexID,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					indexSection: sectionIndex(),
					indexTerm: {
						Name:    indexTerm,
						Indexer: &memdb.StringFieldIndex{Field: "TermID"},
					},
				},
			},
			tableApprovals: {
				Name: tableApprovals,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:   indexID,
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "TermID"},
								&memdb.StringFieldIndex{Field: "SectionID"},
								&memdb.StringFieldIndex{Field: "ApproverUID"},
							},
						},
					},
					indexSection: sectionIndex(),
				},
			},
			tableCrossListing: {
				Name: tableCrossListing,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:   indexID,
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "TermID"},
								&memdb.StringFieldIndex{Field: "SectionID"},
							},
						},
					},
					indexTerm: {
						Name:    indexTerm,
						Indexer: &memdb.StringFieldIndex{Field: "TermID"},
					},
				},
			},
			tablePreferences: {
				Name: tablePreferences,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:   indexID,
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "TermID"},
								&memdb.StringFieldIndex{Field: "SectionID"},
							},
						},
					},
				},
			},
		},
	}
}

// activeRecordingIndexer indexes non-deleted recordings by term, section and
// handle. Deleted rows are left out of the index.
type activeRecordingIndexer struct{}

func (activeRecordingIndexer) FromObject(obj interface{}) (bool, []byte, error) {
	rec, ok := obj.(*reconcile.ScheduledRecording)
	if !ok {
		return false, nil, fmt.Errorf("unexpected object type %T", obj)
	}
	if rec.DeletedAt != nil || rec.Handle == "" {
		return false, nil, nil
	}
	return true, activeKey(rec.TermID, rec.SectionID, rec.Handle), nil
}

func (activeRecordingIndexer) FromArgs(args ...interface{}) ([]byte, error) {
	if len(args) != 3 {
		return nil, fmt.Errorf("expected term, section and handle arguments, got %d", len(args))
	}
	parts := make([]string, len(args))
	for i, arg := range args {
		s, ok := arg.(string)
		if !ok {
			return nil, fmt.Errorf("argument %d must be a string: %#v", i, arg)
		}
		parts[i] = s
	}
	return activeKey(parts[0], parts[1], parts[2]), nil
}

func activeKey(termID, sectionID, handle string) []byte {
	return []byte(termID + "\x00" + sectionID + "\x00" + handle + "\x00")
}
