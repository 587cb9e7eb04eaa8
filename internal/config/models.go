package config

// TierReadOnlyAllow is the fixed allow-list for tier 2/3 agents (spec.md
// §4.5: "tier 2, 3 → fixed read-only defaults").
var TierReadOnlyAllow = []string{"Read", "Grep", "Glob"}

// TierReadOnlyBlock is the fixed block-list for tier 2/3 agents.
var TierReadOnlyBlock = []string{"Write", "Edit", "Bash", "NotebookEdit"}

// TierOneAllow is the wildcard allow-list for tier 1 agents.
var TierOneAllow = []string{"*"}
