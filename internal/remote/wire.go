package remote

import (
	"retailsync/internal/docstore"
)

// Wire shapes of the replication protocol, modelled on the CouchDB
// replication endpoints. Sequences are integers.

type ChangeRev struct {
	Rev string `json:"rev"`
}

type ChangeRow struct {
	Seq     int64       `json:"seq"`
	ID      string      `json:"id"`
	Changes []ChangeRev `json:"changes"`
	Deleted bool        `json:"deleted,omitempty"`
}

type ChangesResponse struct {
	Results []ChangeRow `json:"results"`
	LastSeq int64       `json:"last_seq"`
}

type RevsDiffEntry struct {
	Missing []string `json:"missing"`
}

type BulkGetRequestDoc struct {
	ID string `json:"id"`
}

type BulkGetRequest struct {
	Docs []BulkGetRequestDoc `json:"docs"`
}

type BulkGetError struct {
	ID     string `json:"id"`
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type BulkGetDoc struct {
	OK    *docstore.Doc `json:"ok,omitempty"`
	Error *BulkGetError `json:"error,omitempty"`
}

type BulkGetResult struct {
	ID   string       `json:"id"`
	Docs []BulkGetDoc `json:"docs"`
}

type BulkGetResponse struct {
	Results []BulkGetResult `json:"results"`
}

type BulkDocsRequest struct {
	Docs     []docstore.Doc `json:"docs"`
	NewEdits bool           `json:"new_edits"`
}

type BulkDocsRow struct {
	ID       string `json:"id"`
	Rev      string `json:"rev,omitempty"`
	OK       bool   `json:"ok,omitempty"`
	Written  bool   `json:"written,omitempty"`
	Conflict bool   `json:"conflict,omitempty"`
	Error    string `json:"error,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type PutResponse struct {
	OK  bool   `json:"ok"`
	ID  string `json:"id"`
	Rev string `json:"rev"`
}

type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// ToChangesResponse converts a changes page to its wire form.
func ToChangesResponse(page docstore.ChangesPage) ChangesResponse {
	out := ChangesResponse{Results: make([]ChangeRow, 0, len(page.Results)), LastSeq: page.LastSeq}
	for _, c := range page.Results {
		out.Results = append(out.Results, ChangeRow{
			Seq:     c.Seq,
			ID:      c.ID,
			Changes: []ChangeRev{{Rev: c.Rev}},
			Deleted: c.Deleted,
		})
	}
	return out
}

// ToBulkDocsRows converts replication write results to their wire form.
func ToBulkDocsRows(results []docstore.BulkResult) []BulkDocsRow {
	rows := make([]BulkDocsRow, 0, len(results))
	for _, res := range results {
		row := BulkDocsRow{ID: res.ID, Rev: res.Rev, Written: res.Written, Conflict: res.Conflict}
		if res.Err != nil {
			row.Error = "bad_request"
			row.Reason = res.Err.Error()
		} else {
			row.OK = true
		}
		rows = append(rows, row)
	}
	return rows
}

// ToRevsDiffResponse converts a revs-diff result to its wire form.
func ToRevsDiffResponse(missing map[string][]string) map[string]RevsDiffEntry {
	out := make(map[string]RevsDiffEntry, len(missing))
	for id, revs := range missing {
		out[id] = RevsDiffEntry{Missing: revs}
	}
	return out
}
