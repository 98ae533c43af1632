package entity

// StorageItem is a single localStorage/sessionStorage/cacheStorage entry.
type StorageItem struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Domain string `json:"domain"`

	// --- fields attached by analysis ---

	Persistent            bool              `json:"persistent,omitempty"`
	IsPotentialIdentifier bool              `json:"is_potential_identifier,omitempty"`
	Analysis              *StorageItemShare `json:"analysis,omitempty"`
}

// StorageItemShare is the sharing-evidence block attached to a storage item
// that was found to be a likely identifier and/or shared with a third
// party, per §4.8.
type StorageItemShare struct {
	IsShared    bool             `json:"is_shared"`
	SharedWith  *StorageSharedBy `json:"shared_with,omitempty"`
	Confidence  float64          `json:"confidence"`
	Reasons     []string         `json:"reasons,omitempty"`
}

// StorageSharedBy describes the destinations a storage key or value was
// observed being sent to.
type StorageSharedBy struct {
	Domains           []string `json:"domains"`
	Categories        []string `json:"categories"`
	Organizations     []string `json:"organizations"`
	IsInfrastructureOnly bool  `json:"is_infrastructure_only"`
	SharedBy          []string `json:"shared_by"`
}

// StorageAnalysis is the per-site aggregate produced by C8.
type StorageAnalysis struct {
	PotentialIdentifiers *StorageIdentifierStats `json:"potential_identifiers"`
	Performance          *StoragePerformance     `json:"performance"`
}

// StorageIdentifierStats counts likely-identifier storage items per storage
// type, plus the names found.
type StorageIdentifierStats struct {
	LocalStorageCount   int      `json:"local_storage_count"`
	SessionStorageCount int      `json:"session_storage_count"`
	LocalStorageKeys    []string `json:"local_storage_keys"`
	SessionStorageKeys  []string `json:"session_storage_keys"`

	// FailedChecks accumulates per-criterion diagnostic failure counts,
	// mirroring C7's identifier-gate diagnostics (§4.7, §4.8).
	FailedChecks map[string]int `json:"failed_checks"`
}

// StoragePerformance records the similarity-computation envelope, per
// §4.8's last paragraph: how many comparisons ran at full cost vs. via the
// prefix+suffix approximation, keyed by storage key for auditability.
type StoragePerformance struct {
	FullComparisons       int            `json:"full_comparisons"`
	ApproximateComparisons int           `json:"approximate_comparisons"`
	ApproximateByKey      map[string]int `json:"approximate_by_key,omitempty"`
}
