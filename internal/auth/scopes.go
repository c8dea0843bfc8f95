package auth

// Scopes understood by the run sync API.
const (
	ScopeRunsRead    = "runs:read"
	ScopeRunsSync    = "runs:sync"
	ScopeRunsConnect = "runs:connect"
)
