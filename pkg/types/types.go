package types

import (
	"encoding/json"
	"time"
)

// SourceID identifies a reconnaissance data source
type SourceID string

const (
	ModatHost    SourceID = "modat-host"
	NetworksDB   SourceID = "networksdb"
	ModatService SourceID = "modat-service"
	NVD          SourceID = "nvd"
)

// DataSource describes where a staging artifact came from
type DataSource struct {
	ID   SourceID `json:",omitempty"`
	Name string   `json:",omitempty"`
	URL  string   `json:",omitempty"`
}

// RunStatus is the per-subject outcome recorded in the run log
type RunStatus string

const (
	StatusOK         RunStatus = "OK"
	StatusFail       RunStatus = "FAIL"
	StatusSkipExists RunStatus = "SKIP_EXISTS"
)

// HostResult is one Modat host search hit. Only the fields the pipeline
// inspects are typed; the rest of the payload is kept verbatim.
type HostResult map[string]any

// ServiceScan is the per-IP artifact written by the service collector.
type ServiceScan struct {
	IP      string            `json:"ip"`
	Results []json.RawMessage `json:"results"`
}

// DomainScan is the per-domain artifact written by the NetworksDB collector.
type DomainScan struct {
	Domain      string         `json:"domain"`
	Timestamp   string         `json:"timestamp"`
	DNS         map[string]any `json:"dns,omitempty"`
	OrgSearch   map[string]any `json:"org_search,omitempty"`
	IPv4Details []IPDetail     `json:"ipv4_details"`
	IPv6Details []IPDetail     `json:"ipv6_details"`
	IPs         []IPInfo       `json:"ips"`
}

// IPDetail keeps the raw ip-info answer for one address.
type IPDetail struct {
	IP     string         `json:"ip"`
	IPInfo map[string]any `json:"ip_info,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// IPInfo is the source-independent IP shape shared by both collectors.
type IPInfo struct {
	IP      string   `json:"ip"`
	Version int      `json:"version,omitempty"`
	ASN     any      `json:"asn,omitempty"`
	Org     any      `json:"org,omitempty"`
	Country any      `json:"country,omitempty"`
	Tags    any      `json:"tags,omitempty"`
	Sources []string `json:"sources,omitempty"`
	RDNS    any      `json:"rdns,omitempty"`
}

// CvssSummary condenses the NVD metrics the analysis notebooks consume.
type CvssSummary struct {
	V31BaseScore    *float64 `json:"v31_baseScore"`
	V31BaseSeverity string   `json:"v31_baseSeverity,omitempty"`
	V31VectorString string   `json:"v31_vectorString,omitempty"`
	V40BaseScore    *float64 `json:"v40_baseScore"`
	V40BaseSeverity string   `json:"v40_baseSeverity,omitempty"`
	V40VectorString string   `json:"v40_vectorString,omitempty"`
}

// CVERecord is what the store keeps per CVE: the condensed CVSS summary
// plus the untouched NVD payload.
type CVERecord struct {
	CveID     string          `json:"cve_id"`
	FetchedAt time.Time       `json:"fetched_at"`
	Cvss      CvssSummary     `json:"cvss"`
	NVD       json.RawMessage `json:"nvd"`
}
