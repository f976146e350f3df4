package modat

import "encoding/json"

// searchRequest is the body of both the host and service search endpoints.
type searchRequest struct {
	Query    string `json:"query"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
}

// SearchResponse is one page of a Magnify search. Depending on the
// endpoint version the hits arrive under `page` or `results`; Records
// hides the difference.
type SearchResponse struct {
	TotalPages   int               `json:"total_pages"`
	TotalRecords int               `json:"total_records"`
	Page         []json.RawMessage `json:"page"`
	Results      []json.RawMessage `json:"results"`
}

func (r SearchResponse) Records() []json.RawMessage {
	if len(r.Page) > 0 {
		return r.Page
	}
	return r.Results
}
